// Package service describes registered API consumers of the gateway.
package service

import "time"

// Definition is a tenant of the gateway. Every address, transaction and
// event row is owned by exactly one service.
type Definition struct {
	ID        string    `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// APIKey authenticates requests made on behalf of a service. The secret
// is the HMAC key for request signing and is never serialized.
type APIKey struct {
	ID        string    `db:"id" json:"id"`
	ServiceID string    `db:"service_id" json:"serviceId"`
	Key       string    `db:"key" json:"key"`
	Secret    string    `db:"secret" json:"-"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// Callback is the webhook destination for a service. Event notifications
// are POSTed to URL and signed with Secret.
type Callback struct {
	ServiceID string    `db:"service_id" json:"serviceId"`
	URL       string    `db:"url" json:"url"`
	Secret    string    `db:"secret" json:"-"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}
