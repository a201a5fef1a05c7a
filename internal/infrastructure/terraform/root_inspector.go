package terraform

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclparse"

	"pipelineops/internal/domain/entity"
)

// PipelineResourceName is the resource name every target selector addresses:
// <type>.pipeline[<name>].
const PipelineResourceName = "pipeline"

// RootInspector statically reads the *.tf files of an infrastructure root.
type RootInspector struct {
	dir string
}

func NewRootInspector(dir string) *RootInspector {
	return &RootInspector{dir: dir}
}

// Resource is a declared `resource "<type>" "<name>"` block.
type Resource struct {
	Type     string
	Name     string
	File     string
	Line     int
	Iterated bool // has for_each or count
}

func (r Resource) Address() string {
	return r.Type + "." + r.Name
}

// Resources lists resource blocks declared in the root, ordered by file then
// line. Any parse error fails the call.
func (i *RootInspector) Resources() ([]Resource, error) {
	files, err := filepath.Glob(filepath.Join(i.dir, "*.tf"))
	if err != nil {
		return nil, fmt.Errorf("glob terraform files: %w", err)
	}
	sort.Strings(files)

	parser := hclparse.NewParser()
	var resources []Resource
	for _, path := range files {
		src, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		file, diags := parser.ParseHCL(src, filepath.Base(path))
		if diags.HasErrors() {
			return nil, fmt.Errorf("parse %s: %s", filepath.Base(path), formatDiags(diags))
		}
		resources = append(resources, i.resourceBlocks(file.Body, filepath.Base(path))...)
	}
	return resources, nil
}

func (i *RootInspector) resourceBlocks(body hcl.Body, fileName string) []Resource {
	schema := &hcl.BodySchema{
		Blocks: []hcl.BlockHeaderSchema{
			{Type: "resource", LabelNames: []string{"type", "name"}},
		},
	}
	content, _, _ := body.PartialContent(schema)

	var out []Resource
	for _, block := range content.Blocks.OfType("resource") {
		resSchema := &hcl.BodySchema{
			Attributes: []hcl.AttributeSchema{
				{Name: "for_each"},
				{Name: "count"},
			},
		}
		resContent, _, _ := block.Body.PartialContent(resSchema)
		_, hasForEach := resContent.Attributes["for_each"]
		_, hasCount := resContent.Attributes["count"]

		out = append(out, Resource{
			Type:     block.Labels[0],
			Name:     block.Labels[1],
			File:     fileName,
			Line:     block.DefRange.Start.Line,
			Iterated: hasForEach || hasCount,
		})
	}
	return out
}

// CheckManaged verifies the root declares resource "<resourceType>" "pipeline".
// Without it every -target selector built for a pipeline matches nothing.
func (i *RootInspector) CheckManaged(resourceType string) error {
	resources, err := i.Resources()
	if err != nil {
		return err
	}
	want := resourceType + "." + PipelineResourceName
	for _, r := range resources {
		if r.Address() == want {
			return nil
		}
	}
	return fmt.Errorf("%w: %s in %s", entity.ErrTargetNotManaged, want, i.dir)
}

func formatDiags(diags hcl.Diagnostics) string {
	msgs := make([]string, 0, len(diags))
	for _, d := range diags {
		if d.Severity != hcl.DiagError {
			continue
		}
		msg := d.Summary
		if d.Detail != "" {
			msg += ": " + d.Detail
		}
		if d.Subject != nil {
			msg = fmt.Sprintf("line %d: %s", d.Subject.Start.Line, msg)
		}
		msgs = append(msgs, msg)
	}
	return strings.Join(msgs, "; ")
}
