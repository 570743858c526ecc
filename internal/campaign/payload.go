package campaign

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"campaignd/internal/channel"
	"campaignd/internal/media"
)

// payload is the message definition shared by every recipient.
type payload struct {
	Text        string
	Media       []channel.MediaMessage
	Interactive channel.Message
}

type payloadDoc struct {
	Text        string                 `json:"text,omitempty"`
	Media       []channel.MediaMessage `json:"media,omitempty"`
	Interactive json.RawMessage        `json:"interactive,omitempty"`
}

func (p payload) encode() ([]byte, error) {
	doc := payloadDoc{Text: p.Text, Media: p.Media}
	if p.Interactive != nil {
		b, err := channel.EncodeMessage(p.Interactive)
		if err != nil {
			return nil, err
		}
		doc.Interactive = b
	}
	return json.Marshal(doc)
}

func decodePayload(b []byte) (payload, error) {
	var doc payloadDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		return payload{}, fmt.Errorf("decode payload: %w", err)
	}
	p := payload{Text: doc.Text, Media: doc.Media}
	if len(doc.Interactive) > 0 {
		m, err := channel.DecodeMessage(doc.Interactive)
		if err != nil {
			return payload{}, err
		}
		p.Interactive = m
	}
	return p, nil
}

// validate checks every element before anything is reserved.
func (p payload) validate() error {
	if strings.TrimSpace(p.Text) == "" && len(p.Media) == 0 && p.Interactive == nil {
		return invalidf(ErrInvalidChannelPayload, "nothing to send")
	}
	for _, m := range p.messages() {
		if err := m.Validate(); err != nil {
			return &ValidationError{Err: ErrInvalidChannelPayload, Detail: err.Error()}
		}
	}
	return nil
}

// kind is the kind of the primary sub-send.
func (p payload) kind() channel.Kind {
	msgs := p.messages()
	if len(msgs) == 0 {
		return ""
	}
	return msgs[0].Kind()
}

// messages decomposes the payload into sub-sends. The first one is primary:
// the text when present, else the interactive payload, else the first media
// item.
func (p payload) messages() []channel.Message {
	out := make([]channel.Message, 0, 2+len(p.Media))
	hasText := strings.TrimSpace(p.Text) != ""
	switch {
	case hasText:
		out = append(out, channel.TextMessage{Text: p.Text})
		if p.Interactive != nil {
			out = append(out, p.Interactive)
		}
	case p.Interactive != nil:
		out = append(out, p.Interactive)
	}
	for _, m := range p.Media {
		out = append(out, m)
	}
	return out
}

// resolveMedia swaps media store keys for URLs.
func (p *payload) resolveMedia(ctx context.Context, st media.Store) error {
	for i, m := range p.Media {
		if !media.IsReference(m.URL) {
			continue
		}
		u, err := media.Resolve(ctx, st, m.URL)
		if err != nil {
			return invalidf(ErrInvalidChannelPayload, "media %d: %v", i, err)
		}
		p.Media[i].URL = u
	}
	return nil
}
