package delivery

import (
	"strings"
	"unicode/utf8"

	"tablechat/internal/integrations/whatsapp"
)

const (
	maxVariableLen    = 1024
	maxVariableSpaces = 4
)

// usableAsVariable reports whether body can be sent as a template body
// parameter. The provider rejects parameters with newlines, tabs or more
// than four consecutive spaces.
func usableAsVariable(body string) bool {
	if body == "" || utf8.RuneCountInString(body) > maxVariableLen {
		return false
	}
	if strings.ContainsAny(body, "\n\t\r") {
		return false
	}
	return !strings.Contains(body, strings.Repeat(" ", maxVariableSpaces+1))
}

// templatePlan is the resolved template send for one delivery.
type templatePlan struct {
	msg     whatsapp.TemplateMessage
	generic bool
}

// planTemplate picks how to send req over the template channel. A named
// template with explicit variables is used as given. Otherwise the body is
// embedded in a single-variable template, preferring the one the caller
// named. When nothing fits, the generic call-to-action template is used and
// the body has to be deferred.
func (e *Engine) planTemplate(catalog []whatsapp.Template, req Request) templatePlan {
	lang := req.Language
	if lang == "" {
		lang = e.cfg.Language
	}

	if req.Template != "" && len(req.Variables) > 0 {
		return templatePlan{msg: whatsapp.TemplateMessage{Name: req.Template, Language: lang, Variables: req.Variables}}
	}

	if usableAsVariable(req.Body) {
		if t, ok := findEmbeddable(catalog, req.Template, lang); ok {
			tlang := t.Language
			if tlang == "" {
				tlang = lang
			}
			return templatePlan{msg: whatsapp.TemplateMessage{Name: t.Name, Language: tlang, Variables: []string{req.Body}}}
		}
	}

	name := e.cfg.GenericTemplate
	glang := lang
	for _, t := range catalog {
		if t.Generic {
			name = t.Name
			if t.Language != "" {
				glang = t.Language
			}
			break
		}
	}
	return templatePlan{msg: whatsapp.TemplateMessage{Name: name, Language: glang}, generic: true}
}

func findEmbeddable(catalog []whatsapp.Template, preferred, lang string) (whatsapp.Template, bool) {
	embeddable := func(t whatsapp.Template) bool {
		return !t.Generic && t.Variables == 1
	}
	if preferred != "" {
		for _, t := range catalog {
			if t.Name == preferred && embeddable(t) {
				return t, true
			}
		}
		return whatsapp.Template{}, false
	}
	for _, t := range catalog {
		if embeddable(t) && (t.Language == "" || t.Language == lang) {
			return t, true
		}
	}
	return whatsapp.Template{}, false
}
