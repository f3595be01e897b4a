package outlook

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/Martian-dev/syncd/internal/sync"
)

type emailAddress struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

type recipient struct {
	EmailAddress emailAddress `json:"emailAddress"`
}

type message struct {
	ID               string      `json:"id"`
	ChangeKey        string      `json:"changeKey"`
	ConversationID   string      `json:"conversationId"`
	Subject          string      `json:"subject"`
	From             *recipient  `json:"from"`
	ToRecipients     []recipient `json:"toRecipients"`
	CcRecipients     []recipient `json:"ccRecipients"`
	BodyPreview      string      `json:"bodyPreview"`
	IsRead           bool        `json:"isRead"`
	ReceivedDateTime time.Time   `json:"receivedDateTime"`
	Categories       []string    `json:"categories"`
}

func decodeMessage(raw json.RawMessage) (sync.Delta, error) {
	var m message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}

	d := sync.MailDelta{
		ID:         m.ID,
		ChangeKey:  m.ChangeKey,
		ThreadID:   m.ConversationID,
		Subject:    m.Subject,
		To:         addresses(m.ToRecipients),
		Cc:         addresses(m.CcRecipients),
		Snippet:    m.BodyPreview,
		Labels:     m.Categories,
		IsRead:     m.IsRead,
		ReceivedAt: m.ReceivedDateTime,
	}
	if m.From != nil {
		d.Sender = m.From.EmailAddress.Address
	}
	return d, nil
}

// dateTimeTimeZone is Graph's zone-qualified local time. The feed asks for
// UTC so the zone is normally "UTC".
type dateTimeTimeZone struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

const graphDateTime = "2006-01-02T15:04:05.9999999"

func (d dateTimeTimeZone) Time() time.Time {
	if d.DateTime == "" {
		return time.Time{}
	}
	loc := time.UTC
	if d.TimeZone != "" && !strings.EqualFold(d.TimeZone, "UTC") {
		if l, err := time.LoadLocation(d.TimeZone); err == nil {
			loc = l
		}
	}
	t, err := time.ParseInLocation(graphDateTime, d.DateTime, loc)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

type event struct {
	ID        string      `json:"id"`
	ChangeKey string      `json:"changeKey"`
	Subject   string      `json:"subject"`
	Organizer *recipient  `json:"organizer"`
	Attendees []recipient `json:"attendees"`
	Location  struct {
		DisplayName string `json:"displayName"`
	} `json:"location"`
	Start          dateTimeTimeZone `json:"start"`
	End            dateTimeTimeZone `json:"end"`
	IsAllDay       bool             `json:"isAllDay"`
	IsCancelled    bool             `json:"isCancelled"`
	SeriesMasterID string           `json:"seriesMasterId"`
}

func decodeEvent(raw json.RawMessage) (sync.Delta, error) {
	var e event
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, err
	}

	d := sync.CalendarDelta{
		ID:        e.ID,
		ChangeKey: e.ChangeKey,
		Subject:   e.Subject,
		Attendees: addresses(e.Attendees),
		Location:  e.Location.DisplayName,
		Start:     e.Start.Time(),
		End:       e.End.Time(),
		AllDay:    e.IsAllDay,
		Cancelled: e.IsCancelled,
		SeriesID:  e.SeriesMasterID,
	}
	if e.Organizer != nil {
		d.Organizer = e.Organizer.EmailAddress.Address
	}
	return d, nil
}

type contact struct {
	ID             string         `json:"id"`
	ChangeKey      string         `json:"changeKey"`
	DisplayName    string         `json:"displayName"`
	EmailAddresses []emailAddress `json:"emailAddresses"`
	BusinessPhones []string       `json:"businessPhones"`
	HomePhones     []string       `json:"homePhones"`
	MobilePhone    string         `json:"mobilePhone"`
	CompanyName    string         `json:"companyName"`
	JobTitle       string         `json:"jobTitle"`
}

func decodeContact(raw json.RawMessage) (sync.Delta, error) {
	var c contact
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, err
	}

	emails := make([]string, 0, len(c.EmailAddresses))
	for _, e := range c.EmailAddresses {
		if e.Address != "" {
			emails = append(emails, e.Address)
		}
	}

	phones := append(append([]string{}, c.BusinessPhones...), c.HomePhones...)
	if c.MobilePhone != "" {
		phones = append(phones, c.MobilePhone)
	}

	return sync.ContactDelta{
		ID:          c.ID,
		ChangeKey:   c.ChangeKey,
		DisplayName: c.DisplayName,
		Emails:      emails,
		Phones:      phones,
		Company:     c.CompanyName,
		JobTitle:    c.JobTitle,
	}, nil
}

func addresses(rs []recipient) []string {
	if len(rs) == 0 {
		return nil
	}
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		if r.EmailAddress.Address != "" {
			out = append(out, r.EmailAddress.Address)
		}
	}
	return out
}
