package state

import "strings"

// Resource is an arena view of one resource instance in a Terraform state
// document: the resource address plus the node id of its attributes object.
type Resource struct {
	Mode  string
	Type  string
	Name  string
	Attrs NodeID
}

// Addr returns the resource address in "type.name" form
func (r Resource) Addr() string {
	return r.Type + "." + r.Name
}

// Resources iterates the document's resource instances in declaration order.
// Data-source entries (mode != "managed") are included; callers filter by
// address when they only care about managed resources.
func Resources(doc *Document) []Resource {
	var out []Resource

	resList, ok := doc.Field(doc.Root(), "resources")
	if !ok || doc.KindOf(resList) != KindArray {
		return out
	}

	for i := 0; i < doc.Len(resList); i++ {
		res, _ := doc.Index(resList, i)
		mode, _ := doc.Field(res, "mode")
		typ, _ := doc.Field(res, "type")
		name, _ := doc.Field(res, "name")

		modeStr, _ := doc.String(mode)
		typStr, _ := doc.String(typ)
		nameStr, _ := doc.String(name)
		if typStr == "" || nameStr == "" {
			continue
		}

		instances, ok := doc.Field(res, "instances")
		if !ok || doc.KindOf(instances) != KindArray {
			continue
		}
		for j := 0; j < doc.Len(instances); j++ {
			inst, _ := doc.Index(instances, j)
			attrs, ok := doc.Field(inst, "attributes")
			if !ok {
				attrs = InvalidNode
			}
			out = append(out, Resource{
				Mode:  modeStr,
				Type:  typStr,
				Name:  nameStr,
				Attrs: attrs,
			})
		}
	}
	return out
}

// FindResource returns the first resource instance matching addr
// ("type.name"), in stable document order.
func FindResource(doc *Document, addr string) (Resource, bool) {
	for _, r := range Resources(doc) {
		if r.Addr() == addr {
			return r, true
		}
	}
	return Resource{}, false
}

// SplitAttrPath splits "google_compute_instance.main_0.name" into the
// resource address and the attribute path below it. Terraform type and name
// are the first two segments; everything after is the attribute path.
func SplitAttrPath(full string) (addr string, attrPath []string, ok bool) {
	parts := strings.Split(full, ".")
	if len(parts) < 3 {
		return "", nil, false
	}
	return parts[0] + "." + parts[1], parts[2:], true
}
