package taskqueue

import (
	"context"
	"sync"
)

const memoryBuffer = 256

// Memory is the single-replica queue driver backed by a buffered channel.
type Memory struct {
	mu     sync.Mutex
	tasks  chan Task
	dead   []Task
	closed bool
}

func NewMemory() *Memory {
	return &Memory{tasks: make(chan Task, memoryBuffer)}
}

func (m *Memory) Enqueue(_ context.Context, task Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	select {
	case m.tasks <- task:
		return nil
	default:
		return ErrFull
	}
}

func (m *Memory) Dequeue(ctx context.Context) (Delivery, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case task, ok := <-m.tasks:
		if !ok {
			return nil, ErrClosed
		}
		return &memoryDelivery{q: m, task: task}, nil
	}
}

func (m *Memory) DeadLetter(_ context.Context, task Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dead = append(m.dead, task)
	return nil
}

// DeadLetters returns the recorded dead-letter tasks, oldest first.
func (m *Memory) DeadLetters() []Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Task, len(m.dead))
	copy(out, m.dead)
	return out
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.tasks)
	return nil
}

type memoryDelivery struct {
	q    *Memory
	task Task
}

func (d *memoryDelivery) Task() Task { return d.task }

func (d *memoryDelivery) Ack(context.Context) error { return nil }

func (d *memoryDelivery) Nack(ctx context.Context) error {
	task := d.task
	task.Attempts++
	return d.q.Enqueue(ctx, task)
}
