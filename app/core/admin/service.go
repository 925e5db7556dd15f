// Package admin is the administrative collaborator surface: worker and task
// authoring. It writes through the same stores the conversation engine uses;
// task creation fires the store's onCreated hook, which the dispatcher turns
// into an assignment push.
package admin

import (
	"context"
	"fmt"
	"strings"
	"time"

	"fieldtask/app/core/task"
	"fieldtask/app/core/worker"
)

type Service struct {
	workers *worker.Store
	tasks   *task.Store
}

func NewService(workers *worker.Store, tasks *task.Store) *Service {
	return &Service{workers: workers, tasks: tasks}
}

type CreateWorkerInput struct {
	ContactID string `json:"contact_id"`
	Name      string `json:"name"`
	Role      string `json:"role"`
}

type CreateTaskInput struct {
	WorkerID    string `json:"worker_id"`
	Description string `json:"description"`
	Location    string `json:"location"`
	DueTime     string `json:"due_time"` // RFC 3339
}

func (s *Service) CreateWorker(ctx context.Context, in CreateWorkerInput) (worker.Worker, error) {
	return s.workers.Create(ctx, in.ContactID, in.Name, in.Role)
}

func (s *Service) CreateTask(ctx context.Context, in CreateTaskInput) (task.Task, error) {
	due, err := time.Parse(time.RFC3339, strings.TrimSpace(in.DueTime))
	if err != nil {
		return task.Task{}, fmt.Errorf("admin: invalid due_time: %w", err)
	}
	if _, err := s.workers.Get(ctx, strings.TrimSpace(in.WorkerID)); err != nil {
		return task.Task{}, fmt.Errorf("admin: assigned worker: %w", err)
	}

	return s.tasks.Create(ctx, task.Task{
		WorkerID:    strings.TrimSpace(in.WorkerID),
		Description: in.Description,
		Location:    strings.TrimSpace(in.Location),
		DueTime:     due.Unix(),
	})
}

func (s *Service) ListWorkers(ctx context.Context) ([]worker.Worker, error) {
	return s.workers.List(ctx)
}

func (s *Service) ListTasks(ctx context.Context, workerID string) ([]task.Task, error) {
	return s.tasks.ListFor(ctx, strings.TrimSpace(workerID))
}
