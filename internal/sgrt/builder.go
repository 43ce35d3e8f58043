package sgrt

import (
	"encoding/xml"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"

	"github.com/banshee-data/surface.report/internal/fsutil"
)

// Patient details filenames. The device wrote both spellings over its
// lifetime, so either marks a directory as a patient root.
var patientDetailsNames = []string{"Patient Details.vpax", "Patient_Details.vpax"}

// TreeHierarchyBuilder walks one patient's directory tree and assembles the
// native hierarchy by recursive descent, one directory level per entity
// type: patient root, then site, phase, field, and finally capture units
// parsed by a SurfaceRecordParser.
type TreeHierarchyBuilder struct {
	fs     fsutil.FileSystem
	parser *SurfaceRecordParser
	strict bool
}

// NewTreeHierarchyBuilder creates a builder. With strict set, any per-leaf
// parse failure or isolable nesting violation becomes a fatal patient-level
// failure instead of a collected warning.
func NewTreeHierarchyBuilder(fs fsutil.FileSystem, parser *SurfaceRecordParser, strict bool) *TreeHierarchyBuilder {
	return &TreeHierarchyBuilder{fs: fs, parser: parser, strict: strict}
}

// Build produces a fully populated Patient from the directory at path, plus
// the per-leaf warnings collected along the way. A fatal error means the
// patient could not be built at all; warnings never abort sibling
// processing.
func (b *TreeHierarchyBuilder) Build(path string) (*Patient, []Warning, error) {
	entries, err := b.fs.ReadDir(path)
	if err != nil {
		return nil, nil, &HierarchyIntegrityError{Path: path, Reason: fmt.Sprintf("unreadable patient directory: %v", err)}
	}

	p := &Patient{
		DirName:  filepath.Base(path),
		Path:     path,
		registry: NewRegistry(),
	}

	detailsPath := ""
	for _, name := range patientDetailsNames {
		if b.fs.Exists(filepath.Join(path, name)) {
			detailsPath = filepath.Join(path, name)
			break
		}
	}
	if detailsPath == "" {
		return nil, nil, &HierarchyIntegrityError{Path: path, Reason: "no patient details file"}
	}

	var warnings []Warning
	if err := b.readDetails(detailsPath, p); err != nil {
		if b.strict {
			return nil, warnings, err
		}
		warnings = append(warnings, Warning{Path: detailsPath, Err: err})
	}

	// The details file is authoritative for identity when it parses; the
	// directory name is the fallback.
	p.ID = p.Details.PatientID
	if p.ID == "" {
		p.ID = p.DirName
	}

	for _, siteName := range sortedDirNames(entries) {
		sitePath := filepath.Join(path, siteName)
		if ok, err := b.checkNotCapture(sitePath, "site"); err != nil {
			return nil, warnings, err
		} else if !ok {
			warnings = append(warnings, Warning{Path: sitePath, Err: &HierarchyIntegrityError{Path: sitePath, Reason: "capture unit at site level"}})
			continue
		}

		site := &Site{Name: siteName, Path: sitePath, Patient: p}
		w, err := b.buildSite(site)
		warnings = append(warnings, w...)
		if err != nil {
			return nil, warnings, err
		}
		p.Sites = append(p.Sites, site)
	}

	return p, warnings, nil
}

func (b *TreeHierarchyBuilder) buildSite(site *Site) ([]Warning, error) {
	entries, err := b.fs.ReadDir(site.Path)
	if err != nil {
		return nil, &HierarchyIntegrityError{Path: site.Path, Reason: fmt.Sprintf("unreadable site directory: %v", err)}
	}

	var warnings []Warning
	for _, phaseName := range sortedDirNames(entries) {
		phasePath := filepath.Join(site.Path, phaseName)
		if ok, err := b.checkNotCapture(phasePath, "phase"); err != nil {
			return warnings, err
		} else if !ok {
			warnings = append(warnings, Warning{Path: phasePath, Err: &HierarchyIntegrityError{Path: phasePath, Reason: "capture unit at phase level"}})
			continue
		}

		phase := &Phase{Name: phaseName, Path: phasePath, Site: site}
		w, err := b.buildPhase(phase)
		warnings = append(warnings, w...)
		if err != nil {
			return warnings, err
		}
		site.Phases = append(site.Phases, phase)
	}
	return warnings, nil
}

func (b *TreeHierarchyBuilder) buildPhase(phase *Phase) ([]Warning, error) {
	entries, err := b.fs.ReadDir(phase.Path)
	if err != nil {
		return nil, &HierarchyIntegrityError{Path: phase.Path, Reason: fmt.Sprintf("unreadable phase directory: %v", err)}
	}

	var warnings []Warning
	for _, fieldName := range sortedDirNames(entries) {
		fieldPath := filepath.Join(phase.Path, fieldName)
		if ok, err := b.checkNotCapture(fieldPath, "field"); err != nil {
			return warnings, err
		} else if !ok {
			warnings = append(warnings, Warning{Path: fieldPath, Err: &HierarchyIntegrityError{Path: fieldPath, Reason: "capture unit at field level"}})
			continue
		}

		field := &Field{Name: fieldName, Path: fieldPath, Phase: phase}
		w, err := b.buildField(field)
		warnings = append(warnings, w...)
		if err != nil {
			return warnings, err
		}
		phase.Fields = append(phase.Fields, field)
	}
	return warnings, nil
}

// buildField parses every capture unit under one field. A field directory
// with no captures is a valid empty field. Parser failures at a leaf are
// recorded against the field and never abort siblings, unless strict.
func (b *TreeHierarchyBuilder) buildField(field *Field) ([]Warning, error) {
	entries, err := b.fs.ReadDir(field.Path)
	if err != nil {
		return nil, &HierarchyIntegrityError{Path: field.Path, Reason: fmt.Sprintf("unreadable field directory: %v", err)}
	}

	registry := field.Phase.Site.Patient.registry

	var warnings []Warning
	for _, capName := range sortedDirNames(entries) {
		capPath := filepath.Join(field.Path, capName)
		if !IsCaptureDir(b.fs, capPath) {
			// A plain directory this deep breaks the expected nesting.
			violation := &HierarchyIntegrityError{Path: capPath, Reason: "directory below field level is not a capture unit"}
			if b.strict {
				return warnings, violation
			}
			warnings = append(warnings, Warning{Path: capPath, Err: violation})
			continue
		}

		surface, err := b.parser.Parse(capPath)
		if err != nil {
			if b.strict {
				return warnings, fmt.Errorf("strict mode: %w", err)
			}
			warnings = append(warnings, Warning{Path: capPath, Err: err})
			if surface == nil {
				continue
			}
			// Missing-timestamp records stay in the tree.
		}

		surface.Field = field
		id := registry.Add(surface)
		field.Surfaces = append(field.Surfaces, id)
	}
	return warnings, nil
}

// checkNotCapture guards the intermediate levels: a capture unit found above
// field depth is a nesting violation. Strict mode makes it fatal; otherwise
// the caller drops the subtree with a warning.
func (b *TreeHierarchyBuilder) checkNotCapture(path, level string) (bool, error) {
	if !IsCaptureDir(b.fs, path) {
		return true, nil
	}
	if b.strict {
		return false, &HierarchyIntegrityError{Path: path, Reason: fmt.Sprintf("capture unit at %s level, expected only below field", level)}
	}
	return false, nil
}

func (b *TreeHierarchyBuilder) readDetails(path string, p *Patient) error {
	data, err := b.fs.ReadFile(path)
	if err != nil {
		return fmt.Errorf("cannot read patient details: %v: %w", err, ErrMalformedRecord)
	}
	if err := xml.Unmarshal(data, &p.Details); err != nil {
		return fmt.Errorf("cannot parse patient details: %v: %w", err, ErrMalformedRecord)
	}
	return nil
}

// sortedDirNames returns the directory children of entries sorted by name.
// Directory listings carry no ordering guarantee, so discovery order is made
// explicit here.
func sortedDirNames(entries []fs.DirEntry) []string {
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names
}
