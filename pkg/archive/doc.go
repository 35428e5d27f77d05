/*
Package archive ingests untrusted workspace archives.

Ingestion is a three-phase pipeline: validate every entry (traversal,
symlinks, size, count, depth) before a single byte is materialized; extract
with re-counted sizes since zip headers can lie; sanitize the result by
removing tool caches, lock and state files and anything outside the
permitted extension set. A failed ingest leaves no partial workspace behind.

Resolve canonicalizes the submitted archive path and enforces the configured
archive-root prefix before the archive is ever opened.
*/
package archive
