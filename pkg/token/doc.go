/*
Package token keeps a short-lived cloud access token warm.

The Manager signs an RS256 JWT assertion with the configured service-account
key and exchanges it at the key's token endpoint. Refresh runs on a schedule
tied to the token lifetime, and the key file is watched for rotation via
fsnotify. Readers call Current, which returns a live token or blocks briefly
while a refresh is in flight; a failed mint leaves the manager not-ready
without interrupting running jobs.

Tokens are registered with the redactor before they become observable, so no
persisted log can ever contain one.
*/
package token
