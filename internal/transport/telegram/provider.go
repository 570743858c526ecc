// Package telegram implements channel.Provider on top of Telegram bots.
// Each send instance is one bot token. Chat ids are Telegram chat ids; any
// address suffix is stripped, and a non-numeric id is sent to as @username.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"campaignd/internal/channel"
	logx "campaignd/pkg/logx"
)

type Config struct {
	// Bots maps instance id to bot token.
	Bots map[string]string
	// APIURL overrides the Bot API endpoint (local bot server).
	APIURL      string
	HTTPTimeout time.Duration
	// Offline skips the getMe handshake when bots are created.
	Offline bool
}

// botAPI is the part of *tele.Bot the provider uses.
type botAPI interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
	SetGroupTitle(chat *tele.Chat, title string) error
	SetGroupDescription(chat *tele.Chat, description string) error
	Ban(chat *tele.Chat, member *tele.ChatMember, revokeMessages ...bool) error
	Promote(chat *tele.Chat, member *tele.ChatMember) error
}

type Provider struct {
	bots map[string]botAPI
	log  logx.Logger
}

var _ channel.Provider = (*Provider)(nil)

func New(cfg Config, log logx.Logger) (*Provider, error) {
	if len(cfg.Bots) == 0 {
		return nil, errors.New("telegram: no bots configured")
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	client := &http.Client{Timeout: timeout}
	bots := make(map[string]botAPI, len(cfg.Bots))
	for id, token := range cfg.Bots {
		if strings.TrimSpace(token) == "" {
			return nil, fmt.Errorf("telegram: instance %q has an empty token", id)
		}
		b, err := tele.NewBot(tele.Settings{
			Token:   token,
			URL:     cfg.APIURL,
			Client:  client,
			Offline: cfg.Offline,
		})
		if err != nil {
			return nil, fmt.Errorf("telegram: instance %q: %w", id, err)
		}
		bots[id] = b
	}
	return newProvider(bots, log), nil
}

func newProvider(bots map[string]botAPI, log logx.Logger) *Provider {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Provider{bots: bots, log: log.With(logx.String("comp", "telegram"))}
}

// Instances lists the configured instance ids, sorted.
func (p *Provider) Instances() []string {
	out := make([]string, 0, len(p.bots))
	for id := range p.bots {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (p *Provider) bot(instance string) (botAPI, error) {
	b, ok := p.bots[instance]
	if !ok {
		return nil, &channel.ProviderError{Code: channel.CodeUnavailable, Message: "unknown instance " + instance}
	}
	return b, nil
}

type username string

func (u username) Recipient() string { return "@" + string(u) }

func stripSuffix(chatID string) string {
	if i := strings.LastIndexByte(chatID, '@'); i > 0 {
		return chatID[:i]
	}
	return chatID
}

func recipient(chatID string) tele.Recipient {
	raw := stripSuffix(chatID)
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return tele.ChatID(n)
	}
	return username(strings.TrimPrefix(raw, "@"))
}

// chat resolves a numeric chat; group administration needs one.
func chat(chatID string) (*tele.Chat, error) {
	n, err := strconv.ParseInt(stripSuffix(chatID), 10, 64)
	if err != nil {
		return nil, channel.Rejected("", "group operations need a numeric chat id")
	}
	return &tele.Chat{ID: n}, nil
}

func (p *Provider) send(ctx context.Context, instance, chatID string, what interface{}, opts ...interface{}) (string, error) {
	b, err := p.bot(instance)
	if err != nil {
		return "", err
	}
	// telebot has no per-call context; the HTTP client timeout bounds the call.
	if err := ctx.Err(); err != nil {
		return "", err
	}
	msg, err := b.Send(recipient(chatID), what, opts...)
	if err != nil {
		return "", mapError(err)
	}
	return strconv.Itoa(msg.ID), nil
}

func (p *Provider) SendText(ctx context.Context, instance, chatID string, m channel.TextMessage) (string, error) {
	if err := checkRunes("text", m.Text, maxTextRunes); err != nil {
		return "", err
	}
	return p.send(ctx, instance, chatID, m.Text)
}

func (p *Provider) SendMedia(ctx context.Context, instance, chatID string, m channel.MediaMessage) (string, error) {
	if err := checkRunes("caption", m.Caption, maxCaptionRunes); err != nil {
		return "", err
	}
	file := tele.FromURL(m.URL)
	var what interface{}
	switch m.Type {
	case channel.MediaImage:
		what = &tele.Photo{File: file, Caption: m.Caption}
	case channel.MediaVideo:
		what = &tele.Video{File: file, Caption: m.Caption}
	case channel.MediaAudio:
		what = &tele.Audio{File: file, Caption: m.Caption}
	default:
		what = &tele.Document{File: file, Caption: m.Caption, FileName: m.FileName}
	}
	return p.send(ctx, instance, chatID, what)
}

func (p *Provider) SendButtons(ctx context.Context, instance, chatID string, m channel.ButtonMessage) (string, error) {
	rm := &tele.ReplyMarkup{}
	btns := make([]tele.Btn, 0, len(m.Buttons))
	for i, b := range m.Buttons {
		id := b.ID
		if id == "" {
			id = "b" + strconv.Itoa(i)
		}
		if err := checkCallbackData(id); err != nil {
			return "", err
		}
		btns = append(btns, rm.Data(b.Label, id))
	}
	var layout []tele.Row
	for _, r := range rows(btns) {
		layout = append(layout, rm.Row(r...))
	}
	rm.Inline(layout...)
	text := m.Text
	if m.Footer != "" {
		text += "\n\n" + m.Footer
	}
	if err := checkRunes("text", text, maxTextRunes); err != nil {
		return "", err
	}
	return p.send(ctx, instance, chatID, text, rm)
}

func (p *Provider) SendPoll(ctx context.Context, instance, chatID string, m channel.PollMessage) (string, error) {
	if err := checkRunes("poll question", m.Question, maxPollQuestion); err != nil {
		return "", err
	}
	poll := &tele.Poll{Type: tele.PollRegular, Question: m.Question, MultipleAnswers: m.MultipleAnswers}
	for _, o := range m.Options {
		if err := checkRunes("poll option", o, maxPollOption); err != nil {
			return "", err
		}
		poll.Options = append(poll.Options, tele.PollOption{Text: o})
	}
	return p.send(ctx, instance, chatID, poll)
}

func (p *Provider) SendLocation(ctx context.Context, instance, chatID string, m channel.LocationMessage) (string, error) {
	loc := tele.Location{Lat: float32(m.Latitude), Lng: float32(m.Longitude)}
	if m.Name == "" && m.Address == "" {
		return p.send(ctx, instance, chatID, &loc)
	}
	return p.send(ctx, instance, chatID, &tele.Venue{Location: loc, Title: m.Name, Address: m.Address})
}

func (p *Provider) SendVCard(ctx context.Context, instance, chatID string, m channel.VCardMessage) (string, error) {
	first, last, _ := strings.Cut(strings.TrimSpace(m.FullName), " ")
	c := &tele.Contact{
		PhoneNumber: m.Phone,
		FirstName:   first,
		LastName:    last,
		VCard:       vcard(m),
	}
	return p.send(ctx, instance, chatID, c)
}

func vcard(m channel.VCardMessage) string {
	var b strings.Builder
	b.WriteString("BEGIN:VCARD\nVERSION:3.0\n")
	b.WriteString("FN:" + m.FullName + "\n")
	if m.Organization != "" {
		b.WriteString("ORG:" + m.Organization + "\n")
	}
	b.WriteString("TEL;type=CELL:" + m.Phone + "\n")
	b.WriteString("END:VCARD")
	return b.String()
}

// GroupOp targets m.Group; chatID is ignored. Telegram bots cannot add
// participants.
func (p *Provider) GroupOp(ctx context.Context, instance, chatID string, m channel.GroupOp) (string, error) {
	b, err := p.bot(instance)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c, err := chat(m.Group)
	if err != nil {
		return "", err
	}
	member := func() (*tele.ChatMember, error) {
		id, err := strconv.ParseInt(stripSuffix(m.Value), 10, 64)
		if err != nil {
			return nil, channel.Rejected("", "participant must be a numeric user id")
		}
		return &tele.ChatMember{User: &tele.User{ID: id}}, nil
	}

	switch m.Action {
	case channel.GroupSetSubject:
		err = b.SetGroupTitle(c, m.Value)
	case channel.GroupSetDescription:
		err = b.SetGroupDescription(c, m.Value)
	case channel.GroupRemoveParticipant:
		var cm *tele.ChatMember
		if cm, err = member(); err == nil {
			err = b.Ban(c, cm)
		}
	case channel.GroupPromote, channel.GroupDemote:
		var cm *tele.ChatMember
		if cm, err = member(); err == nil {
			if m.Action == channel.GroupPromote {
				cm.Rights = tele.AdminRights()
			}
			err = b.Promote(c, cm)
		}
	default:
		return "", fmt.Errorf("%w: group %s", channel.ErrUnsupported, m.Action)
	}
	if err != nil {
		var pe *channel.ProviderError
		if errors.As(err, &pe) {
			return "", err
		}
		return "", mapError(err)
	}
	return "", nil
}

// ChannelOp posts to chatID. Bots cannot follow channels.
func (p *Provider) ChannelOp(ctx context.Context, instance, chatID string, m channel.ChannelOp) (string, error) {
	if m.Action != channel.ChannelPost {
		return "", fmt.Errorf("%w: channel %s", channel.ErrUnsupported, m.Action)
	}
	if err := checkRunes("text", m.Text, maxTextRunes); err != nil {
		return "", err
	}
	return p.send(ctx, instance, chatID, m.Text)
}

// mapError turns Bot API errors into provider codes. 4xx other than 429 is
// a rejection of this recipient; 429 and 5xx mean the bot is unavailable.
func mapError(err error) error {
	var te *tele.Error
	if !errors.As(err, &te) {
		return err
	}
	switch {
	case te.Code == http.StatusTooManyRequests || te.Code >= 500:
		return &channel.ProviderError{Code: channel.CodeUnavailable, Message: te.Description, Err: err}
	case te.Code >= 400:
		return &channel.ProviderError{Code: channel.CodeRejected, Message: te.Description, Err: err}
	default:
		return err
	}
}
