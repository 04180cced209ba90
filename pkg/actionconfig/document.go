// Package actionconfig reads and edits the XML configuration document that
// lists import actions, and the insurance descriptor files it references.
package actionconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/beevik/etree"

	"github.com/SpatialKey/skdm-sub000/pkg/session"
	"github.com/SpatialKey/skdm-sub000/pkg/transport"
)

// Element names of the configuration document.
const (
	ElemRoot           = "skimport"
	ElemAuthentication = "authentication"
	ElemActions        = "actions"
	ElemAction         = "action"
	ElemActionType     = "actionType"
	ElemDataType       = "dataType"
	ElemPathData       = "pathData"
	ElemPathXML        = "pathXML"
	ElemDatasetID      = "datasetId"
	ElemInsuranceID    = "insuranceId"

	ElemPolicyDataset   = "policyDataset"
	ElemLocationDataset = "locationDataset"
	AttrID              = "id"
)

// ActionNode is the raw content of one <action> element. Paths are already
// resolved against the document directory.
type ActionNode struct {
	Index       int
	Name        string
	ActionType  string
	DataType    string
	PathData    []string
	PathXML     string
	DatasetID   string
	InsuranceID string
	Auth        session.AuthConfig
}

// Target names the file a Mutation edits.
type Target string

const (
	TargetConfig     Target = "config"
	TargetDescriptor Target = "descriptor"
)

// Mutation is one write-back of a server-assigned id. For TargetConfig,
// Action is the index of the <action> element and Element the child whose
// text is set. For TargetDescriptor, File is the descriptor path and
// Element/Attr the attribute that is set.
type Mutation struct {
	Target  Target
	File    string
	Action  int
	Element string
	Attr    string
	Value   string
}

func (m Mutation) String() string {
	if m.Target == TargetDescriptor {
		return fmt.Sprintf("%s: %s/@%s=%s", m.File, m.Element, m.Attr, m.Value)
	}
	return fmt.Sprintf("action[%d]: %s=%s", m.Action, m.Element, m.Value)
}

// Document is a loaded configuration document.
type Document struct {
	path  string
	dir   string
	doc   *etree.Document
	dirty bool
}

// Load reads the configuration document at path.
func Load(path string) (*Document, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromFile(path); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return newDocument(doc, path)
}

// Parse reads a configuration document from data. Relative paths resolve
// against the directory of path, which is also where Save writes.
func Parse(data []byte, path string) (*Document, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return newDocument(doc, path)
}

func newDocument(doc *etree.Document, path string) (*Document, error) {
	root := doc.Root()
	if root == nil || root.Tag != ElemRoot {
		return nil, fmt.Errorf("config %s: root element must be <%s>", path, ElemRoot)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return &Document{path: abs, dir: filepath.Dir(abs), doc: doc}, nil
}

// Path returns the absolute path of the document.
func (d *Document) Path() string { return d.path }

// Auth returns the document-level authentication node, or a zero config.
func (d *Document) Auth() session.AuthConfig {
	return readAuth(d.doc.Root().SelectElement(ElemAuthentication))
}

// Actions returns every <action> element in document order.
func (d *Document) Actions() []ActionNode {
	var out []ActionNode
	for i, el := range d.actionElements() {
		node := ActionNode{
			Index:       i,
			Name:        el.SelectAttrValue("name", ""),
			ActionType:  childText(el, ElemActionType),
			DataType:    childText(el, ElemDataType),
			PathXML:     d.resolve(childText(el, ElemPathXML)),
			DatasetID:   childText(el, ElemDatasetID),
			InsuranceID: childText(el, ElemInsuranceID),
			Auth:        readAuth(el.SelectElement(ElemAuthentication)),
		}
		if node.Name == "" {
			node.Name = "action-" + strconv.Itoa(i+1)
		}
		for _, p := range el.SelectElements(ElemPathData) {
			if v := strings.TrimSpace(p.Text()); v != "" {
				node.PathData = append(node.PathData, d.resolve(v))
			}
		}
		out = append(out, node)
	}
	return out
}

func (d *Document) actionElements() []*etree.Element {
	actions := d.doc.Root().SelectElement(ElemActions)
	if actions == nil {
		return nil
	}
	return actions.SelectElements(ElemAction)
}

// resolve makes a relative local path absolute against the document
// directory. Remote URLs and absolute paths are returned unchanged.
func (d *Document) resolve(p string) string {
	if p == "" || strings.Contains(p, "://") || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(d.dir, p)
}

// Apply writes a config mutation into the document and marks it dirty.
// Setting an element to its current value leaves the document clean.
func (d *Document) Apply(m Mutation) error {
	if m.Target != TargetConfig {
		return fmt.Errorf("apply %s: not a config mutation", m)
	}
	els := d.actionElements()
	if m.Action < 0 || m.Action >= len(els) {
		return fmt.Errorf("apply %s: no such action", m)
	}
	el := els[m.Action]
	child := el.SelectElement(m.Element)
	if child == nil {
		child = el.CreateElement(m.Element)
	}
	if m.Attr != "" {
		if a := child.SelectAttr(m.Attr); a != nil && a.Value == m.Value {
			return nil
		}
		child.CreateAttr(m.Attr, m.Value)
	} else {
		if child.Text() == m.Value {
			return nil
		}
		child.SetText(m.Value)
	}
	d.dirty = true
	return nil
}

// Dirty reports whether the document changed since it was loaded or saved.
func (d *Document) Dirty() bool { return d.dirty }

// Save writes the document back to its path and clears the dirty flag.
func (d *Document) Save() error {
	if err := writeAtomic(d.doc, d.path); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	d.dirty = false
	return nil
}

func childText(el *etree.Element, tag string) string {
	child := el.SelectElement(tag)
	if child == nil {
		return ""
	}
	return strings.TrimSpace(child.Text())
}

func readAuth(el *etree.Element) session.AuthConfig {
	if el == nil {
		return session.AuthConfig{}
	}
	cfg := session.AuthConfig{
		OrgURL:       childText(el, "organizationURL"),
		UserAPIKey:   childText(el, "userAPIKey"),
		OrgAPIKey:    childText(el, "organizationAPIKey"),
		OrgSecretKey: childText(el, "organizationSecretKey"),
	}
	if p := el.SelectElement("proxy"); p != nil {
		port, _ := strconv.Atoi(childText(p, "port"))
		enabled, err := strconv.ParseBool(p.SelectAttrValue("enabled", "true"))
		if err != nil {
			enabled = false
		}
		cfg.Proxy = transport.ProxyConfig{
			Enabled:  enabled,
			URL:      childText(p, "url"),
			Port:     port,
			User:     childText(p, "user"),
			Password: childText(p, "password"),
			Domain:   childText(p, "domain"),
		}
	}
	return cfg
}

// ReadDescriptorIDs returns the policyDataset and locationDataset ids of an
// insurance descriptor file. Missing elements yield empty ids.
func ReadDescriptorIDs(path string) (policyID, locationID string, err error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromFile(path); err != nil {
		return "", "", fmt.Errorf("read descriptor %s: %w", path, err)
	}
	return descriptorAttr(doc, ElemPolicyDataset), descriptorAttr(doc, ElemLocationDataset), nil
}

func descriptorAttr(doc *etree.Document, tag string) string {
	el := doc.FindElement("//" + tag)
	if el == nil {
		return ""
	}
	return el.SelectAttrValue(AttrID, "")
}

// ApplyDescriptor applies descriptor mutations to the file they name and
// saves each touched file immediately.
func ApplyDescriptor(mutations []Mutation) error {
	byFile := make(map[string][]Mutation)
	var order []string
	for _, m := range mutations {
		if m.Target != TargetDescriptor {
			continue
		}
		if _, ok := byFile[m.File]; !ok {
			order = append(order, m.File)
		}
		byFile[m.File] = append(byFile[m.File], m)
	}

	for _, file := range order {
		doc := etree.NewDocument()
		if err := doc.ReadFromFile(file); err != nil {
			return fmt.Errorf("read descriptor %s: %w", file, err)
		}
		for _, m := range byFile[file] {
			el := doc.FindElement("//" + m.Element)
			if el == nil {
				return fmt.Errorf("descriptor %s: no <%s> element", file, m.Element)
			}
			el.CreateAttr(m.Attr, m.Value)
		}
		if err := writeAtomic(doc, file); err != nil {
			return fmt.Errorf("save descriptor %s: %w", file, err)
		}
	}
	return nil
}

// writeAtomic replaces path with the serialized document through a temp
// file in the same directory.
func writeAtomic(doc *etree.Document, path string) error {
	data, err := doc.WriteToBytes()
	if err != nil {
		return err
	}
	mode := os.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	_, werr := tmp.Write(data)
	cerr := tmp.Close()
	if err := errors.Join(werr, cerr, os.Chmod(tmpName, mode)); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
