package imapmail

import (
	"context"
	"fmt"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/sirupsen/logrus"

	"mailprice-go/internal/config"
	"mailprice-go/internal/retry"
	"mailprice-go/internal/stats"
)

// Handler polls one IMAP folder for unread seller emails and assembles them
// into threads for analysis. It holds a single connection; all operations
// are sequential.
type Handler struct {
	cfg   config.IMAPConfig
	stats *stats.ProcessingStats
	log   *logrus.Entry

	client *imapclient.Client
}

func NewHandler(cfg config.IMAPConfig, st *stats.ProcessingStats, log *logrus.Entry) (*Handler, error) {
	if cfg.Host == "" || cfg.Port == 0 || cfg.Username == "" || cfg.Password == "" {
		return nil, fmt.Errorf("missing IMAP credentials in config")
	}
	return &Handler{
		cfg:   cfg,
		stats: st,
		log:   log.WithField("component", "imap"),
	}, nil
}

// Connect dials, logs in and selects the configured folder, retrying the
// whole sequence since a half-open session is useless.
func (h *Handler) Connect(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", h.cfg.Host, h.cfg.Port)
	op := func() error {
		if h.client != nil {
			h.client.Close()
			h.client = nil
		}
		c, err := imapclient.DialTLS(addr, &imapclient.Options{})
		if err != nil {
			return fmt.Errorf("dial %s: %w", addr, err)
		}
		if err := c.Login(h.cfg.Username, h.cfg.Password).Wait(); err != nil {
			c.Close()
			return fmt.Errorf("login: %w", err)
		}
		if _, err := c.Select(h.cfg.Folder, nil).Wait(); err != nil {
			c.Close()
			return fmt.Errorf("select %s: %w", h.cfg.Folder, err)
		}
		h.client = c
		return nil
	}
	if err := retry.Do(ctx, retry.DefaultAttempts, retry.DefaultDelay, op); err != nil {
		h.stats.IncError(stats.ErrIMAP)
		return err
	}
	h.log.WithFields(logrus.Fields{"addr": addr, "folder": h.cfg.Folder}).Info("imap connected")
	return nil
}

// FetchThreads searches for unseen messages within the configured window
// (and subject filters, if any), downloads them and groups them by
// normalized subject.
func (h *Handler) FetchThreads(ctx context.Context) ([]*Thread, error) {
	if h.client == nil {
		return nil, fmt.Errorf("imap not connected")
	}

	since := time.Now().UTC().AddDate(0, 0, -h.cfg.Filters.DaysBack)
	criteria := buildSearchCriteria(since, h.cfg.Filters.Subject)

	var seqNums []uint32
	op := func() error {
		data, err := h.client.Search(criteria, nil).Wait()
		if err != nil {
			return fmt.Errorf("search: %w", err)
		}
		seqNums = data.AllSeqNums()
		return nil
	}
	if err := retry.Do(ctx, retry.DefaultAttempts, retry.DefaultDelay, op); err != nil {
		h.stats.IncError(stats.ErrIMAP)
		return nil, err
	}
	if len(seqNums) == 0 {
		h.log.Info("no messages matched search")
		return nil, nil
	}
	h.log.WithField("count", len(seqNums)).Info("messages matched search")

	section := &imap.FetchItemBodySection{}
	fetchOptions := &imap.FetchOptions{
		Envelope:    true,
		Flags:       true,
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	}
	buffers, err := h.client.Fetch(imap.SeqSetNum(seqNums...), fetchOptions).Collect()
	if err != nil {
		h.stats.IncError(stats.ErrIMAP)
		return nil, fmt.Errorf("fetch: %w", err)
	}

	var msgs []*Message
	for _, buf := range buffers {
		msg := &Message{SeqNum: buf.SeqNum, UID: buf.UID}
		if env := buf.Envelope; env != nil {
			msg.MessageID = env.MessageID
			msg.Subject = env.Subject
			msg.Date = env.Date
			if len(env.From) > 0 {
				msg.From = env.From[0].Addr()
			}
		}
		for _, f := range buf.Flags {
			if f == imap.FlagSeen {
				msg.Seen = true
			}
		}
		msg.Body = extractTextBody(buf.FindBodySection(section))
		if msg.From == "" || msg.Body == "" {
			h.log.WithField("seq", buf.SeqNum).Debug("skipping message without sender or body")
			continue
		}
		msgs = append(msgs, msg)
	}

	threads := GroupIntoThreads(msgs)
	h.log.WithFields(logrus.Fields{"messages": len(msgs), "threads": len(threads)}).Info("threads assembled")
	return threads, nil
}

// MarkSeen flags a processed message as read so the next run skips it.
func (h *Handler) MarkSeen(msg *Message) error {
	if h.client == nil {
		return fmt.Errorf("imap not connected")
	}
	storeFlags := &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}
	if err := h.client.Store(imap.SeqSetNum(msg.SeqNum), storeFlags, nil).Close(); err != nil {
		h.stats.IncError(stats.ErrIMAP)
		return fmt.Errorf("store \\Seen on %d: %w", msg.SeqNum, err)
	}
	msg.Seen = true
	return nil
}

func (h *Handler) Close() error {
	if h.client == nil {
		return nil
	}
	if err := h.client.Logout().Wait(); err != nil {
		h.log.WithError(err).Debug("logout failed, closing anyway")
	}
	err := h.client.Close()
	h.client = nil
	return err
}

// buildSearchCriteria composes SINCE + UNSEEN with an OR-tree over the
// configured subject filters.
func buildSearchCriteria(since time.Time, subjects []string) *imap.SearchCriteria {
	criteria := &imap.SearchCriteria{
		Since:   since,
		NotFlag: []imap.Flag{imap.FlagSeen},
	}
	switch len(subjects) {
	case 0:
	case 1:
		criteria.Header = append(criteria.Header, imap.SearchCriteriaHeaderField{
			Key: "Subject", Value: subjects[0],
		})
	default:
		or := subjectCriteria(subjects[len(subjects)-1])
		for i := len(subjects) - 2; i >= 0; i-- {
			or = imap.SearchCriteria{
				Or: [][2]imap.SearchCriteria{{subjectCriteria(subjects[i]), or}},
			}
		}
		criteria.Or = or.Or
		criteria.Header = append(criteria.Header, or.Header...)
	}
	return criteria
}

func subjectCriteria(subject string) imap.SearchCriteria {
	return imap.SearchCriteria{
		Header: []imap.SearchCriteriaHeaderField{{Key: "Subject", Value: subject}},
	}
}
