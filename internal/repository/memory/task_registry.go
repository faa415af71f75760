package memory

import (
	"sync"

	list "github.com/bahlo/generic-list-go"

	"m3u8-relay/internal/domain"
	"m3u8-relay/internal/repository"
)

// TaskRegistry is an in-memory, insertion-ordered task registry. Nothing survives a restart.
type TaskRegistry struct {
	mu    sync.RWMutex
	order *list.List[*domain.Task]
	index map[string]*list.Element[*domain.Task]
}

func NewTaskRegistry() *TaskRegistry {
	return &TaskRegistry{
		order: list.New[*domain.Task](),
		index: make(map[string]*list.Element[*domain.Task]),
	}
}

func (r *TaskRegistry) Create(task *domain.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.index[task.ID]; exists {
		return domain.ErrTaskExists
	}
	stored := *task
	stored.Args = append([]string(nil), task.Args...)
	r.index[task.ID] = r.order.PushBack(&stored)
	return nil
}

func (r *TaskRegistry) Get(id string) (domain.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	el, ok := r.index[id]
	if !ok {
		return domain.Task{}, domain.ErrTaskNotFound
	}
	return *el.Value, nil
}

func (r *TaskRegistry) Update(id string, mutator func(task *domain.Task) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	el, ok := r.index[id]
	if !ok {
		return domain.ErrTaskNotFound
	}
	draft := *el.Value
	if err := mutator(&draft); err != nil {
		return err
	}
	draft.ID = id
	*el.Value = draft
	return nil
}

func (r *TaskRegistry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	el, ok := r.index[id]
	if !ok {
		return false
	}
	r.order.Remove(el)
	delete(r.index, id)
	return true
}

func (r *TaskRegistry) List() []domain.Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tasks := make([]domain.Task, 0, r.order.Len())
	for el := r.order.Front(); el != nil; el = el.Next() {
		tasks = append(tasks, *el.Value)
	}
	return tasks
}

func (r *TaskRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.index)
}

var _ repository.TaskRegistry = (*TaskRegistry)(nil)
