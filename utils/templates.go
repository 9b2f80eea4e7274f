package utils

import (
	"strings"

	"mailflow/models"
)

// RenderTemplate resolves {{variable}} placeholders in a subject or body
// template from a contact record. Unknown placeholders are left untouched so
// authoring mistakes stay visible in the sent copy rather than silently
// vanishing.
func RenderTemplate(tmpl string, contact *models.Contact) string {
	if contact == nil || !strings.Contains(tmpl, "{{") {
		return tmpl
	}

	replacer := strings.NewReplacer(
		"{{first_name}}", contact.FirstName,
		"{{last_name}}", contact.LastName,
		"{{full_name}}", contact.DisplayName(),
		"{{email}}", contact.Email,
		"{{company}}", contact.Company,
		"{{position}}", contact.Position,
		"{{phone}}", contact.Phone,
		"{{website}}", contact.Website,
	)
	return replacer.Replace(tmpl)
}
