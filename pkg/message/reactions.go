package message

import (
	"encoding/json"
	"maps"
	"slices"
)

// UserSet is a set of user ids. It encodes as a sorted JSON array.
type UserSet map[string]struct{}

func NewUserSet(users ...string) UserSet {
	set := make(UserSet, len(users))
	for _, u := range users {
		set[u] = struct{}{}
	}
	return set
}

func (s UserSet) Has(user string) bool {
	_, ok := s[user]
	return ok
}

func (s UserSet) Sorted() []string {
	return slices.Sorted(maps.Keys(s))
}

func (s UserSet) Clone() UserSet {
	if s == nil {
		return nil
	}
	return maps.Clone(s)
}

func (s UserSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

func (s *UserSet) UnmarshalJSON(data []byte) error {
	var users []string
	if err := json.Unmarshal(data, &users); err != nil {
		return err
	}
	*s = NewUserSet(users...)
	return nil
}

// ReactionSet maps an emoji to the users who reacted with it. Emojis with no
// remaining users are removed rather than kept as empty sets.
type ReactionSet map[string]UserSet

func (r ReactionSet) Has(emoji, user string) bool {
	return r[emoji].Has(user)
}

// With returns a copy of r with user's membership for emoji set to present.
func (r ReactionSet) With(emoji, user string, present bool) ReactionSet {
	out := r.Clone()
	if out == nil {
		out = make(ReactionSet)
	}
	if present {
		if out[emoji] == nil {
			out[emoji] = make(UserSet)
		}
		out[emoji][user] = struct{}{}
	} else if users, ok := out[emoji]; ok {
		delete(users, user)
		if len(users) == 0 {
			delete(out, emoji)
		}
	}
	return out
}

func (r ReactionSet) Count(emoji string) int {
	return len(r[emoji])
}

func (r ReactionSet) Clone() ReactionSet {
	if r == nil {
		return nil
	}
	out := make(ReactionSet, len(r))
	for emoji, users := range r {
		out[emoji] = users.Clone()
	}
	return out
}
