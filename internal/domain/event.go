package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind names a webhook event variant.
type Kind string

const (
	KindMessage  Kind = "message"
	KindPostback Kind = "postback"
	KindFollow   Kind = "follow"
	KindUnfollow Kind = "unfollow"
	KindJoin     Kind = "join"
	KindLeave    Kind = "leave"
	KindUnknown  Kind = "unknown"
)

// MessageType is the sub-type of a message event.
type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageVideo    MessageType = "video"
	MessageAudio    MessageType = "audio"
	MessageFile     MessageType = "file"
	MessageLocation MessageType = "location"
	MessageSticker  MessageType = "sticker"
)

// Event is the closed set of webhook events. Only the types declared in this
// file implement it.
type Event interface {
	Kind() Kind
	Meta() Base
	isEvent()
}

// Base holds the fields every webhook event carries.
type Base struct {
	WebhookEventID string
	UserID         string
	ReplyToken     string
	Timestamp      time.Time
	Redelivery     bool
	// Raw is the event exactly as delivered, kept so it can be queued losslessly.
	Raw json.RawMessage
}

// Message is the payload of a message event.
type Message struct {
	ID              string
	Type            MessageType
	Text            string
	MarkAsReadToken string
}

type MessageEvent struct {
	Base
	Message Message
}

type PostbackEvent struct {
	Base
	Data string
}

type FollowEvent struct{ Base }

type UnfollowEvent struct{ Base }

type JoinEvent struct{ Base }

type LeaveEvent struct{ Base }

// UnknownEvent is an event type this service does not handle.
type UnknownEvent struct {
	Base
	Type string
}

func (MessageEvent) Kind() Kind  { return KindMessage }
func (PostbackEvent) Kind() Kind { return KindPostback }
func (FollowEvent) Kind() Kind   { return KindFollow }
func (UnfollowEvent) Kind() Kind { return KindUnfollow }
func (JoinEvent) Kind() Kind     { return KindJoin }
func (LeaveEvent) Kind() Kind    { return KindLeave }
func (UnknownEvent) Kind() Kind  { return KindUnknown }

func (e MessageEvent) Meta() Base  { return e.Base }
func (e PostbackEvent) Meta() Base { return e.Base }
func (e FollowEvent) Meta() Base   { return e.Base }
func (e UnfollowEvent) Meta() Base { return e.Base }
func (e JoinEvent) Meta() Base     { return e.Base }
func (e LeaveEvent) Meta() Base    { return e.Base }
func (e UnknownEvent) Meta() Base  { return e.Base }

func (MessageEvent) isEvent()  {}
func (PostbackEvent) isEvent() {}
func (FollowEvent) isEvent()   {}
func (UnfollowEvent) isEvent() {}
func (JoinEvent) isEvent()     {}
func (LeaveEvent) isEvent()    {}
func (UnknownEvent) isEvent()  {}

// MarkAsReadToken returns the read-acknowledgment token of e, if any.
func MarkAsReadToken(e Event) string {
	if m, ok := e.(MessageEvent); ok {
		return m.Message.MarkAsReadToken
	}
	return ""
}

type webhookEnvelope struct {
	Destination string            `json:"destination"`
	Events      []json.RawMessage `json:"events"`
}

type wireEvent struct {
	Type            string `json:"type"`
	Timestamp       int64  `json:"timestamp"`
	WebhookEventID  string `json:"webhookEventId"`
	ReplyToken      string `json:"replyToken"`
	DeliveryContext struct {
		IsRedelivery bool `json:"isRedelivery"`
	} `json:"deliveryContext"`
	Source struct {
		Type    string `json:"type"`
		UserID  string `json:"userId"`
		GroupID string `json:"groupId"`
		RoomID  string `json:"roomId"`
	} `json:"source"`
	Message *struct {
		ID              string `json:"id"`
		Type            string `json:"type"`
		Text            string `json:"text"`
		MarkAsReadToken string `json:"markAsReadToken"`
	} `json:"message"`
	Postback *struct {
		Data string `json:"data"`
	} `json:"postback"`
}

// ErrMalformedPayload reports a webhook body that cannot be decoded.
var ErrMalformedPayload = errors.New("domain: malformed webhook payload")

// DecodeWebhook parses a webhook body into its events. Only a body that is not
// a valid envelope is an error; unrecognized event types decode to UnknownEvent.
func DecodeWebhook(body []byte) ([]Event, error) {
	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	out := make([]Event, 0, len(env.Events))
	for i, raw := range env.Events {
		ev, err := DecodeEvent(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: event %d: %v", ErrMalformedPayload, i, err)
		}
		out = append(out, ev)
	}
	return out, nil
}

// DecodeEvent parses a single raw webhook event.
func DecodeEvent(raw json.RawMessage) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}
	base := Base{
		WebhookEventID: w.WebhookEventID,
		UserID:         strings.TrimSpace(w.Source.UserID),
		ReplyToken:     w.ReplyToken,
		Redelivery:     w.DeliveryContext.IsRedelivery,
		Raw:            append(json.RawMessage(nil), raw...),
	}
	if w.Timestamp > 0 {
		base.Timestamp = time.UnixMilli(w.Timestamp).UTC()
	}

	switch Kind(w.Type) {
	case KindMessage:
		ev := MessageEvent{Base: base}
		if w.Message != nil {
			ev.Message = Message{
				ID:              w.Message.ID,
				Type:            MessageType(w.Message.Type),
				Text:            w.Message.Text,
				MarkAsReadToken: w.Message.MarkAsReadToken,
			}
		}
		return ev, nil
	case KindPostback:
		ev := PostbackEvent{Base: base}
		if w.Postback != nil {
			ev.Data = w.Postback.Data
		}
		return ev, nil
	case KindFollow:
		return FollowEvent{Base: base}, nil
	case KindUnfollow:
		return UnfollowEvent{Base: base}, nil
	case KindJoin:
		return JoinEvent{Base: base}, nil
	case KindLeave:
		return LeaveEvent{Base: base}, nil
	default:
		return UnknownEvent{Base: base, Type: w.Type}, nil
	}
}
