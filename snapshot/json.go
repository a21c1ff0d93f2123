package snapshot

import (
	"encoding/json"
	"fmt"
)

func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *Kind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, ok := ParseKind(s)
	if !ok {
		return fmt.Errorf("snapshot: unknown kind %q", s)
	}
	*k = v
	return nil
}

// MarshalJSON encodes the set as a list of kind names.
func (s KindSet) MarshalJSON() ([]byte, error) {
	names := make([]string, 0, 3)
	for _, k := range s.List() {
		names = append(names, k.String())
	}
	return json.Marshal(names)
}

// UnmarshalJSON decodes a list of kind names. Unknown names are rejected.
func (s *KindSet) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	var out KindSet
	for _, n := range names {
		k, ok := ParseKind(n)
		if !ok {
			return fmt.Errorf("snapshot: unknown kind %q", n)
		}
		out |= KindSet(k)
	}
	*s = out
	return nil
}
