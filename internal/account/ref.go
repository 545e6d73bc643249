// Package account identifies balance holders. Every balance belongs to either
// a fan (user) or a creator (performer); the kind is always explicit.
package account

import (
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
)

type Kind string

const (
	KindUser      Kind = "user"
	KindPerformer Kind = "performer"
)

var ErrInvalidRef = errors.New("invalid_account_ref")

type Ref struct {
	Kind Kind         `json:"kind"`
	ID   snowflake.ID `json:"id"`
}

func User(id snowflake.ID) Ref      { return Ref{Kind: KindUser, ID: id} }
func Performer(id snowflake.ID) Ref { return Ref{Kind: KindPerformer, ID: id} }

func (r Ref) Validate() error {
	if r.ID <= 0 {
		return ErrInvalidRef
	}
	switch r.Kind {
	case KindUser, KindPerformer:
		return nil
	default:
		return ErrInvalidRef
	}
}

func (r Ref) String() string {
	return string(r.Kind) + ":" + r.ID.String()
}

// ParseKind accepts the kinds used at the HTTP boundary. "creator" is an
// alias for performer.
func ParseKind(raw string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "user", "fan":
		return KindUser, nil
	case "performer", "creator":
		return KindPerformer, nil
	default:
		return "", ErrInvalidRef
	}
}

// Parse builds a Ref from boundary strings such as route params.
func Parse(kind, id string) (Ref, error) {
	k, err := ParseKind(kind)
	if err != nil {
		return Ref{}, err
	}
	parsed, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil {
		return Ref{}, ErrInvalidRef
	}
	ref := Ref{Kind: k, ID: parsed}
	return ref, ref.Validate()
}
