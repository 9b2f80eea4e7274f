package worker

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"mailflow/models"
	"mailflow/utils"
)

// ReplyWorker polls each sender's IMAP inbox and converts detected replies
// into appended EmailEvent rows. It is the only writer of REPLIED events and
// never touches enrollment step state; the engine's condition evaluator picks
// replies up purely from the event log.
type ReplyWorker struct {
	db       *gorm.DB
	logger   *logrus.Logger
	interval time.Duration
}

func NewReplyWorker(db *gorm.DB, logger *logrus.Logger, interval time.Duration) *ReplyWorker {
	return &ReplyWorker{db: db, logger: logger, interval: interval}
}

func (rw *ReplyWorker) Start(ctx context.Context) {
	rw.logger.Info("Reply worker started")

	ticker := time.NewTicker(rw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			rw.logger.Info("Reply worker shutting down...")
			return
		case <-ticker.C:
			rw.pollAllSenders(ctx)
		}
	}
}

func (rw *ReplyWorker) pollAllSenders(ctx context.Context) {
	var senders []models.Sender
	if err := rw.db.WithContext(ctx).
		Where("is_active = ? AND imap_host IS NOT NULL AND imap_host != ''", true).
		Find(&senders).Error; err != nil {
		rw.logger.WithError(err).Error("failed to fetch senders")
		return
	}

	for i := range senders {
		if err := rw.pollSender(ctx, &senders[i]); err != nil {
			rw.logger.WithError(err).WithField("sender_id", senders[i].ID).Error("failed to poll sender inbox")
		}
	}
}

func (rw *ReplyWorker) pollSender(ctx context.Context, sender *models.Sender) error {
	password, err := utils.Decrypt(sender.IMAPPassword)
	if err != nil {
		return fmt.Errorf("failed to decrypt IMAP password: %v", err)
	}

	var imapClient *client.Client
	imapAddr := fmt.Sprintf("%s:%d", sender.IMAPHost, sender.IMAPPort)

	switch strings.ToUpper(sender.IMAPEncryption) {
	case "SSL", "TLS":
		imapClient, err = client.DialTLS(imapAddr, &tls.Config{ServerName: sender.IMAPHost})
	case "STARTTLS":
		imapClient, err = client.Dial(imapAddr)
		if err == nil {
			err = imapClient.StartTLS(&tls.Config{ServerName: sender.IMAPHost})
		}
	default:
		imapClient, err = client.Dial(imapAddr)
	}
	if err != nil {
		return fmt.Errorf("failed to connect to IMAP server: %v", err)
	}
	defer imapClient.Logout()

	if err := imapClient.Login(sender.IMAPUsername, password); err != nil {
		return fmt.Errorf("failed to login to IMAP server: %v", err)
	}

	mailbox := "INBOX"
	if sender.IMAPMailbox != "" {
		mailbox = sender.IMAPMailbox
	}
	if _, err := imapClient.Select(mailbox, false); err != nil {
		return fmt.Errorf("failed to select mailbox: %v", err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{"\\Seen"}
	ids, err := imapClient.Search(criteria)
	if err != nil {
		return fmt.Errorf("failed to search messages: %v", err)
	}
	if len(ids) == 0 {
		return nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)

	section := &imap.BodySectionName{Peek: true}
	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- imapClient.Fetch(seqset, []imap.FetchItem{imap.FetchEnvelope, section.FetchItem()}, messages)
	}()

	for msg := range messages {
		if msg.Envelope == nil {
			continue
		}
		if err := rw.recordReply(ctx, msg.Envelope, replySnippet(msg.GetBody(section))); err != nil {
			rw.logger.WithError(err).WithField("seq_num", msg.SeqNum).Warn("failed to process message")
		}
	}

	if err := <-done; err != nil {
		return fmt.Errorf("error during fetch: %v", err)
	}
	return nil
}

// recordReply matches an inbound message's In-Reply-To against enrollments'
// last sent Message-ID and appends a REPLIED event. Events are append-only
// and deduplicated on the inbound message's own ID.
func (rw *ReplyWorker) recordReply(ctx context.Context, env *imap.Envelope, snippet string) error {
	inReplyTo := normalizeMessageID(env.InReplyTo)
	if inReplyTo == "" {
		return nil
	}

	var enr models.Enrollment
	err := rw.db.WithContext(ctx).
		Where("last_message_id_header = ?", inReplyTo).
		First(&enr).Error
	if err == gorm.ErrRecordNotFound {
		return nil // not a reply to anything we sent
	}
	if err != nil {
		return err
	}

	inboundID := normalizeMessageID(env.MessageId)
	var existing int64
	if err := rw.db.WithContext(ctx).
		Model(&models.EmailEvent{}).
		Where("enrollment_id = ? AND kind = ? AND message_id = ?", enr.ID, models.EventReplied, inboundID).
		Count(&existing).Error; err != nil {
		return err
	}
	if existing > 0 {
		return nil
	}

	from := ""
	if len(env.From) > 0 {
		from = env.From[0].Address()
	}
	eventData, _ := json.Marshal(map[string]interface{}{
		"from":        from,
		"subject":     env.Subject,
		"in_reply_to": inReplyTo,
		"snippet":     snippet,
	})

	event := models.EmailEvent{
		ContactID:    enr.ContactID,
		SequenceID:   enr.SequenceID,
		EnrollmentID: enr.ID,
		Kind:         models.EventReplied,
		MessageID:    inboundID,
		EventData:    string(eventData),
	}
	// Date the event at the reply itself so condition windows line up.
	if !env.Date.IsZero() {
		event.CreatedAt = env.Date
	}

	return rw.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&event).Error; err != nil {
			return err
		}
		return tx.Model(&models.Enrollment{}).
			Where("id = ?", enr.ID).
			Updates(map[string]interface{}{
				"reply_count":     gorm.Expr("reply_count + 1"),
				"last_replied_at": event.CreatedAt,
			}).Error
	})
}

// replySnippet extracts a short plain-text preview from the raw message, for
// the event payload. Parse failures just produce an empty snippet.
func replySnippet(body io.Reader) string {
	if body == nil {
		return ""
	}
	mr, err := mail.CreateReader(body)
	if err != nil {
		return ""
	}
	for {
		part, err := mr.NextPart()
		if err != nil {
			return ""
		}
		header, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		mediaType, _, _ := header.ContentType()
		if !strings.HasPrefix(mediaType, "text/") {
			continue
		}
		buf := make([]byte, 280)
		n, _ := io.ReadFull(part.Body, buf)
		return strings.TrimSpace(string(buf[:n]))
	}
}

// normalizeMessageID ensures the RFC 2822 angle-bracket form.
func normalizeMessageID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	if !strings.HasPrefix(id, "<") {
		id = "<" + id
	}
	if !strings.HasSuffix(id, ">") {
		id = id + ">"
	}
	return id
}
