// Copyright 2026 The TenantGate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package dispatch is the background dispatch boundary. Request handling
// enqueues jobs and never waits on them; processing failures are logged
// here and never surfaced to the original caller.
package dispatch

import (
	"context"
	"log/slog"
	"sync"

	"github.com/tenantgate/tenantgate/internal/observability/logger"
)

// EmailJob is an outbound email request.
type EmailJob struct {
	To      string
	Subject string
	Body    string
}

// AuditJob is an audit-log persistence request.
type AuditJob struct {
	PrincipalID string
	Action      string
	Resource    string
	Payload     map[string]any
	IPAddress   string
	UserAgent   string
	TenantID    string
}

// Dispatcher enqueues background jobs, fire-and-forget.
type Dispatcher interface {
	EnqueueEmail(job EmailJob)
	EnqueueAudit(job AuditJob)
}

// EmailSender delivers a single email. Implemented by the mail package;
// delivery mechanics live behind this interface.
type EmailSender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// AuditSink persists a single audit record.
type AuditSink interface {
	Record(ctx context.Context, job AuditJob) error
}

type job struct {
	email *EmailJob
	audit *AuditJob
}

// Queue is an in-process Dispatcher backed by a buffered channel and a
// worker pool. Enqueue never blocks the request path: when the buffer is
// full the job is dropped and logged.
type Queue struct {
	jobs    chan job
	sender  EmailSender
	sink    AuditSink
	workers int

	wg     sync.WaitGroup
	cancel context.CancelFunc
	once   sync.Once
}

// NewQueue creates a queue with the given buffer size and worker count.
func NewQueue(sender EmailSender, sink AuditSink, buffer, workers int) *Queue {
	if buffer < 1 {
		buffer = 256
	}
	if workers < 1 {
		workers = 2
	}
	return &Queue{
		jobs:    make(chan job, buffer),
		sender:  sender,
		sink:    sink,
		workers: workers,
	}
}

// Start launches the worker pool. Workers stop when ctx is cancelled or
// Close is called.
func (q *Queue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
}

// Close stops accepting jobs, drains the buffer and waits for workers.
func (q *Queue) Close() {
	q.once.Do(func() {
		close(q.jobs)
	})
	q.wg.Wait()
	if q.cancel != nil {
		q.cancel()
	}
}

// EnqueueEmail queues a send-email job.
func (q *Queue) EnqueueEmail(j EmailJob) {
	q.enqueue(job{email: &j})
}

// EnqueueAudit queues an audit-log job.
func (q *Queue) EnqueueAudit(j AuditJob) {
	q.enqueue(job{audit: &j})
}

func (q *Queue) enqueue(j job) {
	defer func() {
		// Enqueue after Close loses the job. Dropping is acceptable at
		// this boundary; blocking or panicking the request path is not.
		if recover() != nil {
			slog.Warn("dispatch queue closed, job dropped", logger.Component("dispatch"))
		}
	}()

	select {
	case q.jobs <- j:
	default:
		slog.Warn("dispatch queue full, job dropped", logger.Component("dispatch"))
	}
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for j := range q.jobs {
		switch {
		case j.email != nil:
			if err := q.sender.Send(ctx, j.email.To, j.email.Subject, j.email.Body); err != nil {
				slog.ErrorContext(ctx, "send-email job failed",
					logger.Component("dispatch"),
					logger.Error(err),
				)
			}
		case j.audit != nil:
			if err := q.sink.Record(ctx, *j.audit); err != nil {
				slog.ErrorContext(ctx, "audit-log job failed",
					logger.Component("dispatch"),
					logger.Error(err),
				)
			}
		}
	}
}

// Noop is a Dispatcher that discards every job. Used in tests and as a
// default when no queue is wired.
type Noop struct{}

func (Noop) EnqueueEmail(EmailJob) {}
func (Noop) EnqueueAudit(AuditJob) {}
