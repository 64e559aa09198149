package correlate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// ID accepts a JSON number or string and keeps its textual form.
type ID string

// UnmarshalJSON implements json.Unmarshaler.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// Tag is a client tag. The host sends either {"name": ...} objects or bare strings.
type Tag string

// UnmarshalJSON implements json.Unmarshaler.
func (t *Tag) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = Tag(s)
		return nil
	}
	var obj struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("tag: %w", err)
	}
	*t = Tag(obj.Name)
	return nil
}

// Visit is one scheduled visit from the primary batch.
type Visit struct {
	ID       string
	ClientID string
	Raw      json.RawMessage
}

type visitBatch struct {
	Items []json.RawMessage `json:"items"`
}

type visitItem struct {
	ID     ID `json:"id"`
	Client *struct {
		ID ID `json:"id"`
	} `json:"client"`
	ClientID ID `json:"client_id"`
}

// ParseVisits decodes the scheduled visits payload. Items without an id are skipped, and
// items that do not decode are skipped and reported in skipped. err is set only when the
// payload itself is not a visit batch.
func ParseVisits(payload []byte) (visits []Visit, skipped []error, err error) {
	var batch visitBatch
	if err := json.Unmarshal(payload, &batch); err != nil {
		return nil, nil, &ParseError{What: "visit batch", Err: err}
	}
	visits = make([]Visit, 0, len(batch.Items))
	for i, raw := range batch.Items {
		var item visitItem
		if err := json.Unmarshal(raw, &item); err != nil {
			skipped = append(skipped, &ParseError{What: fmt.Sprintf("visit item %d", i), Err: err})
			continue
		}
		if item.ID == "" {
			continue
		}
		v := Visit{ID: string(item.ID), Raw: raw}
		if item.Client != nil && item.Client.ID != "" {
			v.ClientID = string(item.Client.ID)
		} else {
			v.ClientID = string(item.ClientID)
		}
		visits = append(visits, v)
	}
	return visits, skipped, nil
}

// Client is the dependent client record.
type Client struct {
	ID      string
	Tags    []string
	City    string
	Address string
}

type clientPayload struct {
	Tags         []Tag `json:"tags"`
	TagsV2       []Tag `json:"tags_v2"`
	Demographics *struct {
		City    string `json:"city"`
		Address string `json:"address"`
	} `json:"demographics"`
}

// ParseClient decodes a client payload. tags_v2 wins over tags when present.
func ParseClient(id string, payload []byte) (*Client, error) {
	var p clientPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, &ParseError{What: "client " + id, Err: err}
	}
	tags := p.TagsV2
	if len(tags) == 0 {
		tags = p.Tags
	}
	c := &Client{ID: id, Tags: make([]string, 0, len(tags))}
	for _, t := range tags {
		c.Tags = append(c.Tags, string(t))
	}
	if p.Demographics != nil {
		c.City = p.Demographics.City
		c.Address = p.Demographics.Address
	}
	return c, nil
}

// Diagnosis is one entry of a care plan.
type Diagnosis struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// CarePlan is the detail record at the end of the optional chain.
type CarePlan struct {
	ID        string
	Diagnoses []Diagnosis
}

type carePlanList struct {
	Count int `json:"count"`
	Items []struct {
		ID ID `json:"id"`
	} `json:"items"`
}

// ParseCarePlanList returns the id of the chosen (first) active plan, or "" when the
// list is empty.
func ParseCarePlanList(clientID string, payload []byte) (string, error) {
	var l carePlanList
	if err := json.Unmarshal(payload, &l); err != nil {
		return "", &ParseError{What: "care plans of client " + clientID, Err: err}
	}
	if l.Count == 0 || len(l.Items) == 0 {
		return "", nil
	}
	return string(l.Items[0].ID), nil
}

// ParseCarePlan decodes a care plan detail payload.
func ParseCarePlan(id string, payload []byte) (*CarePlan, error) {
	var p struct {
		Diagnoses []Diagnosis `json:"diagnoses"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, &ParseError{What: "care plan " + id, Err: err}
	}
	return &CarePlan{ID: id, Diagnoses: p.Diagnoses}, nil
}

// Row is the correlated view of one visit.
type Row struct {
	VisitID  string
	ClientID string
	Visit    *Visit // nil when the row was first seen in the DOM
	Client   *Client
	CarePlan *CarePlan
	Ready    bool
	Err      string // last lookup failure; cleared on success
}
