// internal/model/contact.go
package model

import "time"

// Contact is an address-book entry owned by the surrounding application.
type Contact struct {
	ID          int64      `db:"id" json:"id"`
	TenantID    string     `db:"tenant_id" json:"tenant_id"`
	Phone       string     `db:"phone" json:"phone"`
	FirstName   string     `db:"first_name" json:"first_name"`
	LastName    string     `db:"last_name" json:"last_name"`
	City        string     `db:"city" json:"city"`
	Language    string     `db:"language" json:"language"`
	OptedOut    bool       `db:"opted_out" json:"opted_out"`
	TagIDs      []int64    `db:"tag_ids" json:"tag_ids,omitempty"`
	GroupIDs    []int64    `db:"group_ids" json:"group_ids,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	LastOrderAt *time.Time `db:"last_order_at" json:"last_order_at,omitempty"`
}

// Variables is the personalization snapshot frozen onto a recipient row.
func (c *Contact) Variables() map[string]string {
	name := c.FirstName
	if c.LastName != "" {
		if name != "" {
			name += " "
		}
		name += c.LastName
	}
	return map[string]string{
		"first_name": c.FirstName,
		"last_name":  c.LastName,
		"name":       name,
		"city":       c.City,
		"phone":      c.Phone,
	}
}

func (c *Contact) HasTag(id int64) bool {
	for _, t := range c.TagIDs {
		if t == id {
			return true
		}
	}
	return false
}

func (c *Contact) InGroup(id int64) bool {
	for _, g := range c.GroupIDs {
		if g == id {
			return true
		}
	}
	return false
}
