// internal/service/render.go
package service

import (
	"strings"
	"time"

	"github.com/mtaasisi/campaign-engine/internal/model"
)

// RenderTemplate replaces {placeholder} tokens in a message template.
func RenderTemplate(template string, data map[string]string) string {
	result := template
	for k, v := range data {
		result = strings.ReplaceAll(result, "{"+k+"}", v)
	}
	return result
}

// RenderForRecipient personalizes the campaign message for one recipient.
// Supported placeholders: {name}, {phone}, {date}, {time}.
func RenderForRecipient(c *model.Campaign, rec model.Recipient, now time.Time) string {
	if !c.Settings.UsePersonalization {
		return c.Message
	}
	local := now.In(c.Location())
	name := rec.Name
	if name == "" {
		name = "there"
	}
	return RenderTemplate(c.Message, map[string]string{
		"name":  name,
		"phone": rec.Address,
		"date":  local.Format("02/01/2006"),
		"time":  local.Format("15:04"),
	})
}
