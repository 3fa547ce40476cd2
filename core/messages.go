package core

import (
	"fmt"
	"strings"
	"time"
)

type MessageKind string

const (
	MessageKindNotification MessageKind = "notification"
	MessageKindPush         MessageKind = "push"
	MessageKindEmail        MessageKind = "email"
	MessageKindBulkEmail    MessageKind = "bulk_email"
)

// MessageKinds lists every kind in dispatch order.
var MessageKinds = []MessageKind{
	MessageKindNotification,
	MessageKindPush,
	MessageKindEmail,
	MessageKindBulkEmail,
}

func (k MessageKind) Valid() bool {
	switch k {
	case MessageKindNotification, MessageKindPush, MessageKindEmail, MessageKindBulkEmail:
		return true
	default:
		return false
	}
}

type Notification struct {
	UserID string            `json:"userId"`
	Type   string            `json:"type,omitempty"`
	Title  string            `json:"title"`
	Body   string            `json:"body,omitempty"`
	Data   map[string]string `json:"data,omitempty"`
}

type PushNotification struct {
	UserID       string            `json:"userId"`
	DeviceTokens []string          `json:"deviceTokens,omitempty"`
	Title        string            `json:"title"`
	Body         string            `json:"body,omitempty"`
	Data         map[string]string `json:"data,omitempty"`
}

type EmailJob struct {
	ToEmail      string            `json:"toEmail"`
	Subject      string            `json:"subject"`
	TemplateName string            `json:"templateName"`
	Replacements map[string]string `json:"replacements,omitempty"`
}

type BulkRecipient struct {
	Email        string            `json:"email"`
	FirstName    string            `json:"firstName,omitempty"`
	LastName     string            `json:"lastName,omitempty"`
	Replacements map[string]string `json:"replacements,omitempty"`
}

type BulkEmailJob struct {
	Recipients         []BulkRecipient   `json:"recipients"`
	Subject            string            `json:"subject"`
	TemplateName       string            `json:"templateName"`
	CommonReplacements map[string]string `json:"commonReplacements,omitempty"`
}

// Expand turns the bulk job into one email job per recipient. Recipient
// values win over common replacements on key collision.
func (j BulkEmailJob) Expand() []EmailJob {
	jobs := make([]EmailJob, 0, len(j.Recipients))
	for _, recipient := range j.Recipients {
		replacements := make(map[string]string, len(j.CommonReplacements)+len(recipient.Replacements)+4)
		for key, value := range j.CommonReplacements {
			replacements[key] = value
		}
		firstName := strings.TrimSpace(recipient.FirstName)
		lastName := strings.TrimSpace(recipient.LastName)
		replacements["email"] = strings.TrimSpace(recipient.Email)
		replacements["first_name"] = firstName
		replacements["last_name"] = lastName
		replacements["full_name"] = strings.TrimSpace(firstName + " " + lastName)
		for key, value := range recipient.Replacements {
			replacements[key] = value
		}
		jobs = append(jobs, EmailJob{
			ToEmail:      strings.TrimSpace(recipient.Email),
			Subject:      j.Subject,
			TemplateName: j.TemplateName,
			Replacements: replacements,
		})
	}
	return jobs
}

// QueueMessage is a closed union: exactly one payload pointer matches Kind.
type QueueMessage struct {
	ID           string
	Kind         MessageKind
	Notification *Notification
	Push         *PushNotification
	Email        *EmailJob
	BulkEmail    *BulkEmailJob
	EnqueuedAt   time.Time
	Attempt      int
	Metadata     map[string]string
}

func NewNotificationMessage(notification Notification) QueueMessage {
	return QueueMessage{Kind: MessageKindNotification, Notification: &notification}
}

func NewPushMessage(push PushNotification) QueueMessage {
	return QueueMessage{Kind: MessageKindPush, Push: &push}
}

func NewEmailMessage(job EmailJob) QueueMessage {
	return QueueMessage{Kind: MessageKindEmail, Email: &job}
}

func NewBulkEmailMessage(job BulkEmailJob) QueueMessage {
	return QueueMessage{Kind: MessageKindBulkEmail, BulkEmail: &job}
}

func (m QueueMessage) Validate() error {
	set := 0
	for _, present := range []bool{m.Notification != nil, m.Push != nil, m.Email != nil, m.BulkEmail != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("%w: exactly one payload is required, got %d", ErrInvalidMessage, set)
	}
	switch m.Kind {
	case MessageKindNotification:
		if m.Notification == nil {
			return fmt.Errorf("%w: notification payload is required", ErrInvalidMessage)
		}
		if strings.TrimSpace(m.Notification.UserID) == "" {
			return fmt.Errorf("%w: notification user id is required", ErrInvalidMessage)
		}
	case MessageKindPush:
		if m.Push == nil {
			return fmt.Errorf("%w: push payload is required", ErrInvalidMessage)
		}
		if strings.TrimSpace(m.Push.UserID) == "" {
			return fmt.Errorf("%w: push user id is required", ErrInvalidMessage)
		}
	case MessageKindEmail:
		if m.Email == nil {
			return fmt.Errorf("%w: email payload is required", ErrInvalidMessage)
		}
		if strings.TrimSpace(m.Email.ToEmail) == "" {
			return fmt.Errorf("%w: email recipient is required", ErrInvalidMessage)
		}
		if strings.TrimSpace(m.Email.TemplateName) == "" {
			return fmt.Errorf("%w: email template name is required", ErrInvalidMessage)
		}
	case MessageKindBulkEmail:
		if m.BulkEmail == nil {
			return fmt.Errorf("%w: bulk email payload is required", ErrInvalidMessage)
		}
		if len(m.BulkEmail.Recipients) == 0 {
			return fmt.Errorf("%w: bulk email recipients are required", ErrInvalidMessage)
		}
		if strings.TrimSpace(m.BulkEmail.TemplateName) == "" {
			return fmt.Errorf("%w: bulk email template name is required", ErrInvalidMessage)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessageKind, m.Kind)
	}
	return nil
}

type NackOptions struct {
	Delay      time.Duration
	Requeue    bool
	DeadLetter bool
	// KeepAttempt hands the message back without counting the attempt.
	KeepAttempt bool
	Reason      string
}

type DeadLetter struct {
	ID        string
	MessageID string
	Kind      MessageKind
	Payload   []byte
	Reason    string
	Attempts  int
	FailedAt  time.Time
}
