package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"
)

// TaskEmailNotification delivers one persisted notification by email.
const TaskEmailNotification = "notify:email"

type emailTaskPayload struct {
	NotificationID string `json:"notification_id"`
	UserID         string `json:"user_id"`
}

// NewQueueClient builds the asynq client from a Redis URL.
func NewQueueClient(redisURL string) (*asynq.Client, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("notify: parse redis url: %w", err)
	}
	return asynq.NewClient(opt), nil
}

// Worker runs the background email delivery handlers.
type Worker struct {
	srv    *asynq.Server
	db     *sql.DB
	mailer *Mailer
}

func NewWorker(redisURL string, db *sql.DB, mailer *Mailer) (*Worker, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("notify: parse redis url: %w", err)
	}
	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: 5,
		Queues:      map[string]int{"notifications": 1},
	})
	return &Worker{srv: srv, db: db, mailer: mailer}, nil
}

// Run blocks until Shutdown.
func (w *Worker) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskEmailNotification, w.handleEmail)
	return w.srv.Run(mux)
}

func (w *Worker) Shutdown() {
	w.srv.Shutdown()
}

func (w *Worker) handleEmail(ctx context.Context, t *asynq.Task) error {
	var p emailTaskPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		// malformed payload: retrying will not help
		return fmt.Errorf("notify: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if w.mailer == nil {
		return nil
	}

	var title, message, email, firstName string
	var isRead bool
	err := w.db.QueryRowContext(ctx,
		`SELECT n.title, n.message, n.is_read, u.email, u.first_name
		 FROM notifications n JOIN users u ON u.id = n.user_id
		 WHERE n.id=?`, p.NotificationID).Scan(&title, &message, &isRead, &email, &firstName)
	if err != nil {
		return fmt.Errorf("notify: load notification %s: %w", p.NotificationID, err)
	}
	if isRead {
		// the user saw it in-app before the email went out
		return nil
	}

	if err := w.mailer.Send(email, title, fmt.Sprintf("Hi %s,\n\n%s", firstName, message)); err != nil {
		log.Warn().Err(err).Str("notification_id", p.NotificationID).Msg("send email")
		return err
	}
	return nil
}
