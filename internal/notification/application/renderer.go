package application

import (
	"fmt"
	"regexp"

	"github.com/dmehra2102/payment-reconciliation/internal/config"
	"github.com/dmehra2102/payment-reconciliation/internal/notification/domain"
)

var placeholder = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

// Renderer fills {{ name }} placeholders from the event variables. A missing
// variable renders as [name] rather than failing the send.
type Renderer struct {
	catalog *config.Catalog
}

func NewRenderer(catalog *config.Catalog) *Renderer {
	return &Renderer{catalog: catalog}
}

func (r *Renderer) Render(e domain.Event) (domain.Message, error) {
	tpl, ok := r.catalog.Lookup(e.TemplateKey)
	if !ok {
		return domain.Message{}, fmt.Errorf("%w: %s", domain.ErrUnknownTemplate, e.TemplateKey)
	}
	return domain.Message{
		EventID:   e.ID,
		DedupeKey: e.DedupeKey,
		To:        e.Recipient,
		Subject:   Fill(tpl.Subject, e.Variables),
		Body:      Fill(tpl.Body, e.Variables),
	}, nil
}

func Fill(text string, vars map[string]string) string {
	return placeholder.ReplaceAllStringFunc(text, func(m string) string {
		name := placeholder.FindStringSubmatch(m)[1]
		if v, ok := vars[name]; ok && v != "" {
			return v
		}
		return "[" + name + "]"
	})
}
