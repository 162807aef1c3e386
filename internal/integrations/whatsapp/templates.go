package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"tablechat/internal/integrations/paramstore"
)

// Template describes one pre-approved template from the catalog parameter.
type Template struct {
	Name      string `json:"name"`
	Language  string `json:"language"`
	Variables int    `json:"variables"`
	// Generic marks the call-to-action template used when the message body
	// cannot be embedded.
	Generic bool `json:"generic,omitempty"`
}

// Templates returns the catalog stored under <paramPrefix>/templates. It is
// read through the getter on each call, so catalog edits apply once the
// getter's cached copy expires.
func (c *Client) Templates(ctx context.Context) ([]Template, error) {
	raw, err := c.getter.GetParameter(ctx, paramstore.Name(c.paramPrefix, templatesParam))
	if err != nil {
		return nil, fmt.Errorf("whatsapp: fetch template catalog: %w", err)
	}
	return parseTemplates(raw)
}

func parseTemplates(raw string) ([]Template, error) {
	var tpls []Template
	if err := json.Unmarshal([]byte(raw), &tpls); err != nil {
		return nil, fmt.Errorf("whatsapp: unmarshal template catalog: %w", err)
	}
	out := make([]Template, 0, len(tpls))
	for i, t := range tpls {
		t.Name = strings.TrimSpace(t.Name)
		if t.Name == "" {
			return nil, fmt.Errorf("whatsapp: template %d has no name", i)
		}
		if t.Variables < 0 {
			return nil, fmt.Errorf("whatsapp: template %q has negative variable count", t.Name)
		}
		out = append(out, t)
	}
	return out, nil
}
