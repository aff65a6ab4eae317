package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"sort"
	"strings"
)

// PayloadKind tags the closed set of action payload variants.
type PayloadKind string

const (
	PayloadEmail     PayloadKind = "email"
	PayloadBulkEmail PayloadKind = "bulk_email"
	PayloadMessage   PayloadKind = "message"
	PayloadContact   PayloadKind = "contact"
	PayloadPost      PayloadKind = "post"
	PayloadQuery     PayloadKind = "query"
	PayloadGeneric   PayloadKind = "generic"
)

func (k PayloadKind) Valid() bool {
	switch k {
	case PayloadEmail, PayloadBulkEmail, PayloadMessage, PayloadContact, PayloadPost, PayloadQuery, PayloadGeneric:
		return true
	}
	return false
}

// Payload is a validated action payload. Fields exposes a flat, string-valued
// view used by risk detectors.
type Payload interface {
	Kind() PayloadKind
	Validate() error
	Fields() map[string]string
	RecipientCount() int
}

type EmailPayload struct {
	To      []string `json:"to"`
	Cc      []string `json:"cc,omitempty"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
}

func (p EmailPayload) Kind() PayloadKind { return PayloadEmail }

func (p EmailPayload) Validate() error {
	if len(p.To) == 0 {
		return errors.New("email: to is required")
	}
	for _, addr := range append(append([]string{}, p.To...), p.Cc...) {
		if _, err := mail.ParseAddress(addr); err != nil {
			return fmt.Errorf("email: invalid address %q", addr)
		}
	}
	if strings.TrimSpace(p.Subject) == "" && strings.TrimSpace(p.Body) == "" {
		return errors.New("email: subject or body is required")
	}
	return nil
}

func (p EmailPayload) Fields() map[string]string {
	return map[string]string{
		"to":      strings.Join(p.To, ","),
		"cc":      strings.Join(p.Cc, ","),
		"subject": p.Subject,
		"body":    p.Body,
	}
}

func (p EmailPayload) RecipientCount() int { return len(p.To) + len(p.Cc) }

type BulkEmailPayload struct {
	ListID     string   `json:"list_id,omitempty"`
	Recipients []string `json:"recipients,omitempty"`
	ListSize   int      `json:"list_size,omitempty"`
	Subject    string   `json:"subject"`
	Body       string   `json:"body"`
}

func (p BulkEmailPayload) Kind() PayloadKind { return PayloadBulkEmail }

func (p BulkEmailPayload) Validate() error {
	if p.ListID == "" && len(p.Recipients) == 0 {
		return errors.New("bulk_email: list_id or recipients is required")
	}
	if p.ListSize < 0 {
		return errors.New("bulk_email: list_size must not be negative")
	}
	if strings.TrimSpace(p.Subject) == "" {
		return errors.New("bulk_email: subject is required")
	}
	return nil
}

func (p BulkEmailPayload) Fields() map[string]string {
	return map[string]string{
		"list_id":    p.ListID,
		"recipients": strings.Join(p.Recipients, ","),
		"subject":    p.Subject,
		"body":       p.Body,
	}
}

func (p BulkEmailPayload) RecipientCount() int {
	if p.ListSize > len(p.Recipients) {
		return p.ListSize
	}
	return len(p.Recipients)
}

type MessagePayload struct {
	Channel string `json:"channel"`
	To      string `json:"to"`
	Text    string `json:"text"`
}

func (p MessagePayload) Kind() PayloadKind { return PayloadMessage }

func (p MessagePayload) Validate() error {
	if p.To == "" {
		return errors.New("message: to is required")
	}
	if strings.TrimSpace(p.Text) == "" {
		return errors.New("message: text is required")
	}
	return nil
}

func (p MessagePayload) Fields() map[string]string {
	return map[string]string{"channel": p.Channel, "to": p.To, "text": p.Text}
}

func (p MessagePayload) RecipientCount() int { return 1 }

type ContactPayload struct {
	ContactID string `json:"contact_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Company   string `json:"company,omitempty"`
	Notes     string `json:"notes,omitempty"`
}

func (p ContactPayload) Kind() PayloadKind { return PayloadContact }

func (p ContactPayload) Validate() error {
	if p.ContactID == "" && p.Name == "" && p.Email == "" {
		return errors.New("contact: contact_id, name or email is required")
	}
	if p.Email != "" {
		if _, err := mail.ParseAddress(p.Email); err != nil {
			return fmt.Errorf("contact: invalid email %q", p.Email)
		}
	}
	return nil
}

func (p ContactPayload) Fields() map[string]string {
	return map[string]string{
		"contact_id": p.ContactID,
		"name":       p.Name,
		"email":      p.Email,
		"phone":      p.Phone,
		"company":    p.Company,
		"notes":      p.Notes,
	}
}

func (p ContactPayload) RecipientCount() int { return 0 }

type PostPayload struct {
	Platform    string   `json:"platform"`
	Text        string   `json:"text"`
	Links       []string `json:"links,omitempty"`
	ScheduledAt string   `json:"scheduled_at,omitempty"`
}

func (p PostPayload) Kind() PayloadKind { return PayloadPost }

func (p PostPayload) Validate() error {
	if p.Platform == "" {
		return errors.New("post: platform is required")
	}
	if strings.TrimSpace(p.Text) == "" {
		return errors.New("post: text is required")
	}
	if p.ScheduledAt != "" {
		if _, err := ParseTime(p.ScheduledAt); err != nil {
			return fmt.Errorf("post: invalid scheduled_at: %w", err)
		}
	}
	return nil
}

func (p PostPayload) Fields() map[string]string {
	return map[string]string{
		"platform":     p.Platform,
		"text":         p.Text,
		"links":        strings.Join(p.Links, " "),
		"scheduled_at": p.ScheduledAt,
	}
}

func (p PostPayload) RecipientCount() int { return 0 }

type QueryPayload struct {
	Query   string            `json:"query"`
	Filters map[string]string `json:"filters,omitempty"`
	Limit   int               `json:"limit,omitempty"`
}

func (p QueryPayload) Kind() PayloadKind { return PayloadQuery }

func (p QueryPayload) Validate() error {
	if p.Limit < 0 {
		return errors.New("query: limit must not be negative")
	}
	return nil
}

func (p QueryPayload) Fields() map[string]string {
	out := map[string]string{"query": p.Query}
	for k, v := range p.Filters {
		out["filters."+k] = v
	}
	return out
}

func (p QueryPayload) RecipientCount() int { return 0 }

// GenericPayload carries tools without a dedicated variant. Values are
// flattened with dotted keys.
type GenericPayload map[string]any

func (p GenericPayload) Kind() PayloadKind { return PayloadGeneric }

func (p GenericPayload) Validate() error { return nil }

func (p GenericPayload) Fields() map[string]string {
	out := map[string]string{}
	flatten("", map[string]any(p), out)
	return out
}

func (p GenericPayload) RecipientCount() int {
	for _, key := range []string{"recipients", "to"} {
		if list, ok := p[key].([]any); ok {
			return len(list)
		}
	}
	return 0
}

func flatten(prefix string, v any, out map[string]string) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			flatten(key, val[k], out)
		}
	case []any:
		parts := make([]string, 0, len(val))
		for i, item := range val {
			if _, nested := item.(map[string]any); nested {
				flatten(fmt.Sprintf("%s.%d", prefix, i), item, out)
				continue
			}
			parts = append(parts, fmt.Sprint(item))
		}
		if len(parts) > 0 {
			out[prefix] = strings.Join(parts, ",")
		}
	case nil:
		out[prefix] = ""
	default:
		out[prefix] = fmt.Sprint(val)
	}
}

// DecodePayload decodes raw JSON into the variant named by kind and validates it.
// Unknown fields are rejected for typed variants.
func DecodePayload(kind PayloadKind, raw []byte) (Payload, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = []byte("{}")
	}
	var p Payload
	var err error
	switch kind {
	case PayloadEmail:
		p, err = decodeStrict[EmailPayload](raw)
	case PayloadBulkEmail:
		p, err = decodeStrict[BulkEmailPayload](raw)
	case PayloadMessage:
		p, err = decodeStrict[MessagePayload](raw)
	case PayloadContact:
		p, err = decodeStrict[ContactPayload](raw)
	case PayloadPost:
		p, err = decodeStrict[PostPayload](raw)
	case PayloadQuery:
		p, err = decodeStrict[QueryPayload](raw)
	case PayloadGeneric, "":
		var g GenericPayload
		if err = json.Unmarshal(raw, &g); err == nil {
			if g == nil {
				g = GenericPayload{}
			}
			p = g
		}
	default:
		return nil, fmt.Errorf("unknown payload kind %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", kind, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func decodeStrict[T Payload](raw []byte) (Payload, error) {
	var v T
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}
