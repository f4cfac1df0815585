package enrich

import (
	"github.com/mraysmit/apex/internal/config"
	"github.com/mraysmit/apex/internal/runtime/pipeline"
	"github.com/mraysmit/apex/internal/templates"
)

// applyMappings moves fields from source into record. A non-record source is
// the sentinel for a failed external lookup; only default-valued mappings
// apply in that case. Returns failure messages and whether a required field
// was missing.
func (p *Pipeline) applyMappings(enrichmentID string, mappings []config.FieldMapping, source any, record pipeline.Record, ambient map[string]any) ([]string, bool) {
	sourceRecord, sourceIsRecord := asRecord(source)

	var failures []string
	requiredFailure := false
	for _, mapping := range mappings {
		var value any
		if !sourceIsRecord {
			if mapping.DefaultValue == nil {
				continue
			}
			value = mapping.DefaultValue
		} else {
			value = sourceRecord[mapping.SourceField]
			if value == nil {
				if mapping.Required {
					failures = append(failures,
						"enrichment '"+enrichmentID+"' required field '"+mapping.SourceField+"' missing")
					requiredFailure = true
					continue
				}
				value = mapping.DefaultValue
			}
		}

		if mapping.TransformationFile != "" {
			transformed, err := p.transformFile(mapping.TransformationFile, record, value)
			if err != nil {
				failures = append(failures,
					"enrichment '"+enrichmentID+"' transformation for '"+mapping.TargetField+"' failed: "+err.Error())
				continue
			}
			value = transformed
		} else if mapping.Transformation != "" {
			transformed, err := p.transform(mapping.Transformation, record, ambient, value)
			if err != nil {
				failures = append(failures,
					"enrichment '"+enrichmentID+"' transformation for '"+mapping.TargetField+"' failed: "+err.Error())
				continue
			}
			value = transformed
		}

		if value != nil {
			record[mapping.TargetField] = value
		}
	}
	return failures, requiredFailure
}

// transform evaluates a transformation with #value bound to the current
// value and the target record as root. Sources containing {{ render as
// templates instead of expressions.
func (p *Pipeline) transform(source string, record pipeline.Record, ambient map[string]any, value any) (any, error) {
	if templates.IsTemplate(source) {
		rendered, err := p.renderer.RenderTransformation("transformation", source, record, value)
		if err != nil {
			return nil, err
		}
		return rendered, nil
	}
	compiled, err := p.compiler.Compile(source)
	if err != nil {
		return nil, err
	}
	ctx := p.newContext(record, ambient).WithVariable("value", value)
	return compiled.Eval(ctx)
}

// transformFile renders a sandboxed template file with the record and current
// value bound as .record and .value. Fails when the renderer has no sandbox.
func (p *Pipeline) transformFile(path string, record pipeline.Record, value any) (any, error) {
	tmpl, err := p.renderer.CompileFile(path)
	if err != nil {
		return nil, err
	}
	return tmpl.Render(map[string]any{"record": record, "value": value})
}

// asRecord unwraps the value shapes a lookup may return for a record.
func asRecord(v any) (pipeline.Record, bool) {
	switch t := v.(type) {
	case pipeline.Record:
		return t, true
	default:
		return nil, false
	}
}
