package extract

import (
	"bytes"
	"encoding/xml"
	"errors"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/DeusData/odoo-graph/internal/discover"
	"github.com/DeusData/odoo-graph/internal/failure"
	"github.com/DeusData/odoo-graph/internal/records"
)

// DefaultViewPriority applies when priority is missing or not an integer.
const DefaultViewPriority = 16

// viewTags are the arch root tags that name a view type. Odoo 17 renamed
// tree to list; both are stored as tree.
var viewTags = map[string]string{
	"tree": "tree", "list": "tree", "form": "form", "kanban": "kanban", "calendar": "calendar",
	"graph": "graph", "pivot": "pivot", "search": "search", "gantt": "gantt", "activity": "activity",
	"cohort": "cohort", "dashboard": "dashboard", "map": "map", "qweb": "qweb", "hierarchy": "hierarchy",
}

// idKeywords guess a view type from its identifier, first match wins.
var idKeywords = []struct{ keyword, viewType string }{
	{"form", "form"}, {"tree", "tree"}, {"list", "tree"}, {"kanban", "kanban"},
	{"calendar", "calendar"}, {"graph", "graph"}, {"pivot", "pivot"},
	{"search", "search"}, {"gantt", "gantt"}, {"activity", "activity"},
	{"cohort", "cohort"}, {"dashboard", "dashboard"}, {"map", "map"}, {"qweb", "qweb"},
}

// ErrViewWithoutModel marks a view record with neither model nor parent.
var ErrViewWithoutModel = errors.New("view has neither model nor inherit_id")

type xmlField struct {
	Name  string `xml:"name,attr"`
	Ref   string `xml:"ref,attr"`
	Eval  string `xml:"eval,attr"`
	Text  string `xml:",chardata"`
	Inner []byte `xml:",innerxml"`
}

type xmlRecord struct {
	ID     string     `xml:"id,attr"`
	Model  string     `xml:"model,attr"`
	Fields []xmlField `xml:"field"`
}

// ExtractViews reads the ir.ui.view records of one XML file. Views come
// back in document order; records that cannot become a view are returned
// as recoverable errors alongside. A malformed document yields no views
// and a single error.
func ExtractViews(path, module string) ([]records.View, []error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, []error{failure.Recover(ioKind(err), path, err)}
	}
	if fi.Size() > discover.MaxXMLSize {
		return nil, []error{failure.Recoverf(failure.KindOversize, path, "%d bytes exceeds limit %d", fi.Size(), discover.MaxXMLSize)}
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, []error{failure.Recover(ioKind(err), path, err)}
	}
	defer f.Close()
	return ExtractViewsReader(f, path, module)
}

// ExtractViewsReader is ExtractViews over an open document.
func ExtractViewsReader(r io.Reader, path, module string) ([]records.View, []error) {
	dec := xml.NewDecoder(io.LimitReader(r, discover.MaxXMLSize))
	dec.CharsetReader = xmlCharsetReader
	dec.Strict = true

	var views []records.View
	var errs []error
	for {
		line, _ := dec.InputPos()
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, []error{failure.Recover(failure.KindSyntax, path, err)}
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "record" || attr(start, "model") != "ir.ui.view" {
			continue
		}
		var rec xmlRecord
		if err := dec.DecodeElement(&rec, &start); err != nil {
			return nil, []error{failure.Recover(failure.KindSyntax, path, err)}
		}
		v, err := buildView(rec, path, module, line)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		views = append(views, v)
	}
	return views, errs
}

func attr(e xml.StartElement, name string) string {
	for _, a := range e.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

func buildView(rec xmlRecord, path, module string, line int) (records.View, error) {
	v := records.View{
		XMLID:      qualify(rec.ID, module),
		Module:     module,
		Priority:   DefaultViewPriority,
		FilePath:   path,
		LineNumber: line,
	}
	if rec.ID == "" {
		return v, failure.Recoverf(failure.KindInvalid, path, "line %d: view record without id", line)
	}

	var explicitType string
	var arch *xmlField
	for i := range rec.Fields {
		fld := &rec.Fields[i]
		text := strings.TrimSpace(fld.Text)
		switch fld.Name {
		case "model":
			v.Model = text
		case "name":
			v.Name = text
		case "type":
			explicitType = text
		case "inherit_id":
			switch {
			case fld.Ref != "":
				v.InheritID = qualify(fld.Ref, module)
			case text != "":
				v.InheritID = qualify(text, module)
			}
		case "priority":
			p := text
			if p == "" {
				p = strings.TrimSpace(fld.Eval)
			}
			if n, err := strconv.Atoi(p); err == nil {
				v.Priority = n
			}
		case "arch":
			arch = fld
		}
	}

	if v.Model == "" && v.InheritID == "" {
		return v, failure.Recover(failure.KindInvalid, path, errors.Join(ErrViewWithoutModel, errors.New(v.XMLID)))
	}

	v.ViewType = normalizeViewType(explicitType)
	if v.ViewType == "" && arch != nil {
		v.ViewType = archType(arch.Inner)
	}
	if v.ViewType == "" {
		v.ViewType = idType(rec.ID)
	}
	if v.ViewType == "" {
		v.ViewType = "unknown"
	}

	v.Mode = "primary"
	if v.InheritID != "" {
		v.Mode = "extension"
	}
	return v, nil
}

// qualify prefixes a bare XML id with the owning module.
func qualify(id, module string) string {
	if id == "" || strings.Contains(id, ".") {
		return id
	}
	return module + "." + id
}

// archType returns the tag of the arch's first element when it is a known
// view tag.
func archType(inner []byte) string {
	dec := xml.NewDecoder(bytes.NewReader(inner))
	dec.Strict = false
	for {
		tok, err := dec.Token()
		if err != nil {
			return ""
		}
		if se, ok := tok.(xml.StartElement); ok {
			return viewTags[se.Name.Local]
		}
	}
}

// normalizeViewType maps a declared type onto the stored name.
func normalizeViewType(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	if canon, ok := viewTags[t]; ok {
		return canon
	}
	return t
}

func idType(id string) string {
	lower := strings.ToLower(id)
	for _, k := range idKeywords {
		if strings.Contains(lower, k.keyword) {
			return k.viewType
		}
	}
	return ""
}
