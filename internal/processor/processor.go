package processor

import (
	"context"

	"github.com/sirupsen/logrus"

	"mailprice-go/internal/imapmail"
	"mailprice-go/internal/lmstudio"
	"mailprice-go/internal/stats"
)

// Result summarizes one processing run.
type Result struct {
	Threads        int `json:"threads"`
	EmailsAnalyzed int `json:"emails_analyzed"`
	EmailsFailed   int `json:"emails_failed"`
	RowsUpdated    int `json:"rows_updated"`
}

// MailSource yields threads to process and records completion.
// *imapmail.Handler is the production implementation.
type MailSource interface {
	FetchThreads(ctx context.Context) ([]*imapmail.Thread, error)
	MarkSeen(msg *imapmail.Message) error
}

// SheetWriter lands analysis results in the workbook.
// *excel.Manager is the production implementation.
type SheetWriter interface {
	ApplyAnalysis(emailAddr string, a lmstudio.Analysis) (int, error)
}

// Analyzer turns email text into structured fields.
// *lmstudio.Client is the production implementation.
type Analyzer interface {
	Analyze(ctx context.Context, emailText, threadContext string) lmstudio.Analysis
}

// Processor drives the batch: fetch threads, analyze each unread message,
// write matches into the workbook, mark the message read. One bad email
// never stops the batch; failures land in stats and the per-email analysis
// Error field.
type Processor struct {
	mail   MailSource
	sheet  SheetWriter
	client Analyzer
	stats  *stats.ProcessingStats
	log    *logrus.Entry
}

func New(mail MailSource, sheet SheetWriter, client Analyzer,
	st *stats.ProcessingStats, log *logrus.Entry) *Processor {
	return &Processor{
		mail:   mail,
		sheet:  sheet,
		client: client,
		stats:  st,
		log:    log.WithField("component", "processor"),
	}
}

// Run processes every fetched thread sequentially. It returns an error only
// when the mailbox itself cannot be read; per-email failures are absorbed.
func (p *Processor) Run(ctx context.Context) (Result, error) {
	var res Result

	threads, err := p.mail.FetchThreads(ctx)
	if err != nil {
		return res, err
	}
	res.Threads = len(threads)

	for _, thread := range threads {
		threadLog := p.log.WithField("thread", thread.Subject)
		for i, msg := range thread.Messages {
			if msg.Seen {
				continue
			}
			log := threadLog.WithFields(logrus.Fields{"from": msg.From, "message_id": msg.MessageID})

			analysis := p.client.Analyze(ctx, msg.Body, thread.Context(i))
			p.stats.EmailsProcessed.Add(1)
			res.EmailsAnalyzed++

			if analysis.Error != "" {
				// error counter already categorized inside the client
				log.WithField("error", analysis.Error).Error("analysis failed, skipping message")
				res.EmailsFailed++
				continue
			}

			rows, err := p.sheet.ApplyAnalysis(msg.From, analysis)
			if err != nil {
				p.stats.IncError(stats.ErrExcel)
				log.WithError(err).Error("workbook update failed")
				continue
			}
			if rows > 0 {
				p.stats.EmailsMatched.Add(1)
				res.RowsUpdated += rows
			}

			if err := p.mail.MarkSeen(msg); err != nil {
				// leave it unread: the next run re-analyzes, which is safe
				log.WithError(err).Warn("failed to mark message seen")
			}
		}
	}
	return res, nil
}
