package features

import "github.com/nadmax/slawatch/internal/faults"

// Unknown is the reserved code for values missing from a lookup table.
const Unknown = 0

type Encoder struct {
	codes map[string]map[string]int
}

func NewEncoder(s Schema) *Encoder {
	e := &Encoder{codes: make(map[string]map[string]int, len(s.Tables))}
	for name, values := range s.Tables {
		m := make(map[string]int, len(values))
		for i, v := range values {
			m[v] = i + 1
		}
		e.codes[name] = m
	}

	return e
}

// Encode maps value to its code in table. Unseen values return Unknown together with
// an UnknownCategory fault that callers are expected to treat as non-fatal.
func (e *Encoder) Encode(table, value string) (int, error) {
	if code, ok := e.codes[table][value]; ok {
		return code, nil
	}

	return Unknown, faults.New(faults.UnknownCategory, table+"="+value, "value not in lookup table")
}
