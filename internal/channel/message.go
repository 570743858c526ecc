// Package channel defines the message variants a campaign can carry and the
// Sender that delivers them through a Provider.
//
// Provider is the only seam to a messaging backend. Variants describe payload
// shape; how a backend puts them on the wire is its own business.
package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

type Kind string

const (
	KindText     Kind = "text"
	KindMedia    Kind = "media"
	KindButton   Kind = "button"
	KindPoll     Kind = "poll"
	KindLocation Kind = "location"
	KindVCard    Kind = "vcard"
	KindGroupOp  Kind = "group_op"
	KindChannel  Kind = "channel_op"
)

const (
	MinPollOptions = 2
	MaxPollOptions = 12
	MaxButtons     = 3
)

var ErrInvalidPayload = errors.New("invalid channel payload")

// PayloadError describes why a message failed validation.
type PayloadError struct {
	Kind   Kind
	Reason string
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("invalid %s payload: %s", e.Kind, e.Reason)
}

func (e *PayloadError) Is(target error) bool { return target == ErrInvalidPayload }

func bad(k Kind, format string, args ...any) error {
	return &PayloadError{Kind: k, Reason: fmt.Sprintf(format, args...)}
}

// Message is implemented by every variant.
type Message interface {
	Kind() Kind
	Validate() error
	deliver(ctx context.Context, p Provider, instance, chatID string) (string, error)
}

type TextMessage struct {
	Text string `json:"text"`
}

func (TextMessage) Kind() Kind { return KindText }

func (m TextMessage) Validate() error {
	if strings.TrimSpace(m.Text) == "" {
		return bad(KindText, "text is empty")
	}
	return nil
}

func (m TextMessage) deliver(ctx context.Context, p Provider, instance, chatID string) (string, error) {
	return p.SendText(ctx, instance, chatID, m)
}

type MediaType string

const (
	MediaImage    MediaType = "image"
	MediaVideo    MediaType = "video"
	MediaAudio    MediaType = "audio"
	MediaDocument MediaType = "document"
)

// MediaMessage references media by URL; bytes never pass through the core.
type MediaMessage struct {
	Type     MediaType `json:"type"`
	URL      string    `json:"url"`
	Caption  string    `json:"caption,omitempty"`
	FileName string    `json:"file_name,omitempty"`
}

func (MediaMessage) Kind() Kind { return KindMedia }

func (m MediaMessage) Validate() error {
	switch m.Type {
	case MediaImage, MediaVideo, MediaAudio, MediaDocument:
	default:
		return bad(KindMedia, "unknown media type %q", m.Type)
	}
	if strings.TrimSpace(m.URL) == "" {
		return bad(KindMedia, "url is empty")
	}
	return nil
}

func (m MediaMessage) deliver(ctx context.Context, p Provider, instance, chatID string) (string, error) {
	return p.SendMedia(ctx, instance, chatID, m)
}

type Button struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

type ButtonMessage struct {
	Text    string   `json:"text"`
	Footer  string   `json:"footer,omitempty"`
	Buttons []Button `json:"buttons"`
}

func (ButtonMessage) Kind() Kind { return KindButton }

func (m ButtonMessage) Validate() error {
	if strings.TrimSpace(m.Text) == "" {
		return bad(KindButton, "text is empty")
	}
	if len(m.Buttons) == 0 || len(m.Buttons) > MaxButtons {
		return bad(KindButton, "need 1..%d buttons, got %d", MaxButtons, len(m.Buttons))
	}
	for i, b := range m.Buttons {
		if strings.TrimSpace(b.Label) == "" {
			return bad(KindButton, "button %d has no label", i)
		}
	}
	return nil
}

func (m ButtonMessage) deliver(ctx context.Context, p Provider, instance, chatID string) (string, error) {
	return p.SendButtons(ctx, instance, chatID, m)
}

// PollMessage asks one question. MultipleAnswers is passed through to the
// provider unchanged.
type PollMessage struct {
	Question        string   `json:"question"`
	Options         []string `json:"options"`
	MultipleAnswers bool     `json:"multiple_answers,omitempty"`
}

func (PollMessage) Kind() Kind { return KindPoll }

func (m PollMessage) Validate() error {
	if strings.TrimSpace(m.Question) == "" {
		return bad(KindPoll, "question is empty")
	}
	if n := len(m.Options); n < MinPollOptions || n > MaxPollOptions {
		return bad(KindPoll, "option count %d outside [%d,%d]", n, MinPollOptions, MaxPollOptions)
	}
	seen := make(map[string]bool, len(m.Options))
	for i, o := range m.Options {
		o = strings.TrimSpace(o)
		if o == "" {
			return bad(KindPoll, "option %d is empty", i)
		}
		if seen[o] {
			return bad(KindPoll, "duplicate option %q", o)
		}
		seen[o] = true
	}
	return nil
}

func (m PollMessage) deliver(ctx context.Context, p Provider, instance, chatID string) (string, error) {
	return p.SendPoll(ctx, instance, chatID, m)
}

type LocationMessage struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

func (LocationMessage) Kind() Kind { return KindLocation }

func (m LocationMessage) Validate() error {
	if m.Latitude < -90 || m.Latitude > 90 {
		return bad(KindLocation, "latitude %v out of range", m.Latitude)
	}
	if m.Longitude < -180 || m.Longitude > 180 {
		return bad(KindLocation, "longitude %v out of range", m.Longitude)
	}
	return nil
}

func (m LocationMessage) deliver(ctx context.Context, p Provider, instance, chatID string) (string, error) {
	return p.SendLocation(ctx, instance, chatID, m)
}

type VCardMessage struct {
	FullName     string `json:"full_name"`
	Phone        string `json:"phone"`
	Organization string `json:"organization,omitempty"`
}

func (VCardMessage) Kind() Kind { return KindVCard }

func (m VCardMessage) Validate() error {
	if strings.TrimSpace(m.FullName) == "" {
		return bad(KindVCard, "full name is empty")
	}
	if strings.TrimSpace(m.Phone) == "" {
		return bad(KindVCard, "phone is empty")
	}
	return nil
}

func (m VCardMessage) deliver(ctx context.Context, p Provider, instance, chatID string) (string, error) {
	return p.SendVCard(ctx, instance, chatID, m)
}

type GroupAction string

const (
	GroupAddParticipant    GroupAction = "add_participant"
	GroupRemoveParticipant GroupAction = "remove_participant"
	GroupPromote           GroupAction = "promote"
	GroupDemote            GroupAction = "demote"
	GroupSetSubject        GroupAction = "set_subject"
	GroupSetDescription    GroupAction = "set_description"
)

// GroupOp is an administrative action against a group. For participant
// actions the recipient chat id is the participant; Group names the target.
type GroupOp struct {
	Action GroupAction `json:"action"`
	Group  string      `json:"group"`
	Value  string      `json:"value,omitempty"`
}

func (GroupOp) Kind() Kind { return KindGroupOp }

func (m GroupOp) Validate() error {
	switch m.Action {
	case GroupAddParticipant, GroupRemoveParticipant, GroupPromote, GroupDemote:
	case GroupSetSubject, GroupSetDescription:
		if strings.TrimSpace(m.Value) == "" {
			return bad(KindGroupOp, "%s needs a value", m.Action)
		}
	default:
		return bad(KindGroupOp, "unknown action %q", m.Action)
	}
	if strings.TrimSpace(m.Group) == "" {
		return bad(KindGroupOp, "group is empty")
	}
	return nil
}

func (m GroupOp) deliver(ctx context.Context, p Provider, instance, chatID string) (string, error) {
	return p.GroupOp(ctx, instance, chatID, m)
}

type ChannelAction string

const (
	ChannelPost     ChannelAction = "post"
	ChannelFollow   ChannelAction = "follow"
	ChannelUnfollow ChannelAction = "unfollow"
)

// ChannelOp targets a broadcast channel (newsletter). The recipient chat id
// is the channel.
type ChannelOp struct {
	Action ChannelAction `json:"action"`
	Text   string        `json:"text,omitempty"`
}

func (ChannelOp) Kind() Kind { return KindChannel }

func (m ChannelOp) Validate() error {
	switch m.Action {
	case ChannelPost:
		if strings.TrimSpace(m.Text) == "" {
			return bad(KindChannel, "post text is empty")
		}
	case ChannelFollow, ChannelUnfollow:
	default:
		return bad(KindChannel, "unknown action %q", m.Action)
	}
	return nil
}

func (m ChannelOp) deliver(ctx context.Context, p Provider, instance, chatID string) (string, error) {
	return p.ChannelOp(ctx, instance, chatID, m)
}
