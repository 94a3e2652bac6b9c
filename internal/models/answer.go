package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// AnswerType tags the variant held by an AnswerValue
type AnswerType string

// Answer value variants
const (
	AnswerTypeText        AnswerType = "text"
	AnswerTypeNumber      AnswerType = "number"
	AnswerTypeChoice      AnswerType = "choice"
	AnswerTypeMultiChoice AnswerType = "multi_choice"
	AnswerTypeMediaRef    AnswerType = "media_ref"
)

// MediaRef points an answer at a captured file
type MediaRef struct {
	FileID string `json:"file_id"`
	URL    string `json:"url,omitempty"`
}

// AnswerValue is a tagged union over the supported answer shapes.
// Only the field matching Type is meaningful.
type AnswerValue struct {
	Type    AnswerType
	Text    string
	Number  float64
	Choice  string
	Choices []string
	Media   *MediaRef
}

// TextAnswer builds a free-text answer
func TextAnswer(s string) AnswerValue {
	return AnswerValue{Type: AnswerTypeText, Text: s}
}

// NumberAnswer builds a numeric answer
func NumberAnswer(n float64) AnswerValue {
	return AnswerValue{Type: AnswerTypeNumber, Number: n}
}

// ChoiceAnswer builds a single-choice answer
func ChoiceAnswer(option string) AnswerValue {
	return AnswerValue{Type: AnswerTypeChoice, Choice: option}
}

// MultiChoiceAnswer builds a multiple-choice answer
func MultiChoiceAnswer(options ...string) AnswerValue {
	if options == nil {
		options = []string{}
	}
	return AnswerValue{Type: AnswerTypeMultiChoice, Choices: options}
}

// MediaAnswer builds an answer that refers to an attached file
func MediaAnswer(fileID, url string) AnswerValue {
	return AnswerValue{Type: AnswerTypeMediaRef, Media: &MediaRef{FileID: fileID, URL: url}}
}

// Validate checks that the variant is known and its payload is present
func (v AnswerValue) Validate() error {
	switch v.Type {
	case AnswerTypeText, AnswerTypeNumber:
		return nil
	case AnswerTypeChoice:
		if v.Choice == "" {
			return fmt.Errorf("choice answer requires an option")
		}
		return nil
	case AnswerTypeMultiChoice:
		if v.Choices == nil {
			return fmt.Errorf("multi_choice answer requires a list of options")
		}
		return nil
	case AnswerTypeMediaRef:
		if v.Media == nil || v.Media.FileID == "" {
			return fmt.Errorf("media_ref answer requires a file_id")
		}
		return nil
	case "":
		return fmt.Errorf("answer type is required")
	}
	return fmt.Errorf("unknown answer type %q", v.Type)
}

type answerValueJSON struct {
	Type  AnswerType      `json:"type"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON encodes the union as {"type": ..., "value": ...}
func (v AnswerValue) MarshalJSON() ([]byte, error) {
	var value interface{}
	switch v.Type {
	case AnswerTypeText:
		value = v.Text
	case AnswerTypeNumber:
		value = v.Number
	case AnswerTypeChoice:
		value = v.Choice
	case AnswerTypeMultiChoice:
		choices := v.Choices
		if choices == nil {
			choices = []string{}
		}
		value = choices
	case AnswerTypeMediaRef:
		value = v.Media
	default:
		return nil, fmt.Errorf("unknown answer type %q", v.Type)
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return json.Marshal(answerValueJSON{Type: v.Type, Value: raw})
}

// UnmarshalJSON decodes {"type": ..., "value": ...} and rejects values that do not match the tag
func (v *AnswerValue) UnmarshalJSON(data []byte) error {
	var wire answerValueJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	if len(wire.Value) == 0 {
		return fmt.Errorf("answer value is required")
	}

	out := AnswerValue{Type: wire.Type}
	var err error
	switch wire.Type {
	case AnswerTypeText:
		err = json.Unmarshal(wire.Value, &out.Text)
	case AnswerTypeNumber:
		err = json.Unmarshal(wire.Value, &out.Number)
	case AnswerTypeChoice:
		err = json.Unmarshal(wire.Value, &out.Choice)
	case AnswerTypeMultiChoice:
		err = json.Unmarshal(wire.Value, &out.Choices)
	case AnswerTypeMediaRef:
		out.Media = &MediaRef{}
		err = json.Unmarshal(wire.Value, out.Media)
	default:
		return fmt.Errorf("unknown answer type %q", wire.Type)
	}
	if err != nil {
		return fmt.Errorf("invalid %s answer: %w", wire.Type, err)
	}
	if err := out.Validate(); err != nil {
		return err
	}

	*v = out
	return nil
}

// Answer is one entry of a response's answer mapping
type Answer struct {
	Value      AnswerValue `json:"value"`
	AnsweredAt time.Time   `json:"answered_at"`
}

// Answers maps question id to its latest answer
type Answers map[string]Answer

// Set records value for questionID, replacing any previous answer for that question only
func (a Answers) Set(questionID string, value AnswerValue, answeredAt time.Time) {
	a[questionID] = Answer{Value: value, AnsweredAt: answeredAt}
}

// Ordered returns the answers sorted by answered time, then question id
func (a Answers) Ordered() []PayloadAnswer {
	out := make([]PayloadAnswer, 0, len(a))
	for questionID, answer := range a {
		pa := PayloadAnswer{
			QuestionID: questionID,
			Value:      answer.Value,
			AnsweredAt: answer.AnsweredAt,
		}
		if answer.Value.Type == AnswerTypeMediaRef && answer.Value.Media != nil {
			pa.MediaURL = answer.Value.Media.URL
		}
		out = append(out, pa)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AnsweredAt.Equal(out[j].AnsweredAt) {
			return out[i].AnsweredAt.Before(out[j].AnsweredAt)
		}
		return out[i].QuestionID < out[j].QuestionID
	})
	return out
}
