package call

import "encoding/json"

// The document store speaks map[string]any records; these helpers round-trip
// the typed models through their JSON shapes so both store adapters and the
// UI layer see the same field names.

func (s Session) Fields() (map[string]any, error) {
	return toFields(s)
}

func SessionFromFields(id string, fields map[string]any) (Session, error) {
	var s Session
	if err := fromFields(fields, &s); err != nil {
		return Session{}, err
	}
	if s.ID == "" {
		s.ID = id
	}
	return s, nil
}

func (c ICECandidate) Fields() (map[string]any, error) {
	return toFields(c)
}

func CandidateFromFields(fields map[string]any) (ICECandidate, error) {
	var c ICECandidate
	err := fromFields(fields, &c)
	return c, err
}

func toFields(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func fromFields(m map[string]any, out any) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
