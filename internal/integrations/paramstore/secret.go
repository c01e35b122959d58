package paramstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// secretPayload is the JSON shape secrets are stored in.
type secretPayload struct {
	Token string `json:"token"`
}

// Secret fetches name and returns the token field of its JSON value.
func Secret(ctx context.Context, g Getter, name string) (string, error) {
	if g == nil {
		return "", errors.New("paramstore: getter must not be nil")
	}
	raw, err := g.GetParameter(ctx, name)
	if err != nil {
		return "", err
	}
	var p secretPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return "", fmt.Errorf("paramstore: %q is not a JSON secret: %w", name, err)
	}
	if strings.TrimSpace(p.Token) == "" {
		return "", fmt.Errorf("paramstore: %q has an empty token", name)
	}
	return p.Token, nil
}

// SecretRef resolves a secret on first use and keeps it for the process
// lifetime. Failed lookups are not cached.
type SecretRef struct {
	getter Getter
	name   string

	mu    sync.Mutex
	value string
}

func NewSecretRef(g Getter, name string) *SecretRef {
	return &SecretRef{getter: g, name: name}
}

// Static returns a SecretRef that always yields value. Used in local runs and tests.
func Static(value string) *SecretRef {
	return &SecretRef{value: value}
}

func (r *SecretRef) Value(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.value != "" {
		return r.value, nil
	}
	v, err := Secret(ctx, r.getter, r.name)
	if err != nil {
		return "", err
	}
	r.value = v
	return v, nil
}
