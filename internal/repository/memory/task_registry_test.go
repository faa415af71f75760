package memory

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"m3u8-relay/internal/domain"
)

func TestCreateRejectsDuplicateID(t *testing.T) {
	reg := NewTaskRegistry()

	require.NoError(t, reg.Create(&domain.Task{ID: "abc123", Status: domain.TaskStatusQueued}))
	err := reg.Create(&domain.Task{ID: "abc123", Status: domain.TaskStatusQueued})
	assert.ErrorIs(t, err, domain.ErrTaskExists)
	assert.Equal(t, 1, reg.Len())
}

func TestGetReturnsCopy(t *testing.T) {
	reg := NewTaskRegistry()
	require.NoError(t, reg.Create(&domain.Task{ID: "a", Filename: "one.mp4"}))

	task, err := reg.Get("a")
	require.NoError(t, err)
	task.Filename = "changed.mp4"

	again, err := reg.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "one.mp4", again.Filename)

	_, err = reg.Get("missing")
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
}

func TestUpdate(t *testing.T) {
	reg := NewTaskRegistry()
	require.NoError(t, reg.Create(&domain.Task{ID: "a", Status: domain.TaskStatusQueued}))

	err := reg.Update("a", func(task *domain.Task) error {
		task.Status = domain.TaskStatusDownloading
		task.ID = "hijack"
		return nil
	})
	require.NoError(t, err)

	task, err := reg.Get("a")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusDownloading, task.Status)
	assert.Equal(t, "a", task.ID)

	boom := errors.New("boom")
	err = reg.Update("a", func(task *domain.Task) error {
		task.Status = domain.TaskStatusFailed
		return boom
	})
	assert.ErrorIs(t, err, boom)
	task, _ = reg.Get("a")
	assert.Equal(t, domain.TaskStatusDownloading, task.Status, "aborted mutation must not be applied")

	err = reg.Update("missing", func(*domain.Task) error { return nil })
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
}

func TestListKeepsInsertionOrder(t *testing.T) {
	reg := NewTaskRegistry()
	for _, id := range []string{"c", "a", "b", "d"} {
		require.NoError(t, reg.Create(&domain.Task{ID: id}))
	}
	assert.True(t, reg.Remove("a"))
	assert.False(t, reg.Remove("a"))
	require.NoError(t, reg.Create(&domain.Task{ID: "a"}))

	var ids []string
	for _, task := range reg.List() {
		ids = append(ids, task.ID)
	}
	assert.Equal(t, []string{"c", "b", "d", "a"}, ids)
}

func TestConcurrentAccess(t *testing.T) {
	reg := NewTaskRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("t%02d", i)
			if err := reg.Create(&domain.Task{ID: id}); err != nil {
				t.Errorf("create %s: %v", id, err)
				return
			}
			_ = reg.Update(id, func(task *domain.Task) error {
				task.Status = domain.TaskStatusDownloading
				return nil
			})
			_ = reg.List()
			if i%2 == 0 {
				reg.Remove(id)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 25, reg.Len())
}
