package taskrunner_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/escrownet/escrowd/internal/core/protocol/taskrunner"
)

func recordingTask(name string, order *[]string) taskrunner.Task {
	return taskrunner.Func{TaskName: name, F: func(h taskrunner.Handle) {
		*order = append(*order, name)
		h.Complete()
	}}
}

func failingTask(name string, order *[]string, err error) taskrunner.Task {
	return taskrunner.Func{TaskName: name, F: func(h taskrunner.Handle) {
		*order = append(*order, name)
		h.Failed(err)
	}}
}

func TestRunnerExecutesInDeclaredOrder(t *testing.T) {
	var order []string
	completed := false

	runner := taskrunner.New(
		func() { completed = true },
		func(err error) { t.Fatalf("unexpected failure: %v", err) },
		recordingTask("first", &order),
		recordingTask("second", &order),
		recordingTask("third", &order),
	)
	runner.Start()

	require.True(t, completed)
	require.Equal(t, []string{"first", "second", "third"}, order)
}

func TestRunnerAbortsOnFailure(t *testing.T) {
	errBoom := errors.New("boom")

	for failAt := 0; failAt < 3; failAt++ {
		var order []string
		var failure error

		tasks := make([]taskrunner.Task, 0, 3)
		names := []string{"first", "second", "third"}
		for i, name := range names {
			if i == failAt {
				tasks = append(tasks, failingTask(name, &order, errBoom))
			} else {
				tasks = append(tasks, recordingTask(name, &order))
			}
		}

		runner := taskrunner.New(
			func() { t.Fatal("chain must not complete") },
			func(err error) { failure = err },
			tasks...,
		)
		runner.Start()

		require.ErrorIs(t, failure, errBoom)
		require.Equal(t, names[:failAt+1], order)
	}
}

func TestRunnerConvertsPanicToFailure(t *testing.T) {
	var failure error

	runner := taskrunner.New(
		func() { t.Fatal("chain must not complete") },
		func(err error) { failure = err },
		taskrunner.Func{TaskName: "panicking", F: func(h taskrunner.Handle) {
			panic("unexpected")
		}},
		taskrunner.Func{TaskName: "unreached", F: func(h taskrunner.Handle) {
			t.Fatal("task after panic must not run")
		}},
	)
	runner.Start()

	require.Error(t, failure)
	require.Contains(t, failure.Error(), "panicking")
}

func TestRunnerInterceptorHaltsWithoutFailure(t *testing.T) {
	var order []string
	completed := false
	failed := false

	runner := taskrunner.New(
		func() { completed = true },
		func(err error) { failed = true },
		recordingTask("first", &order),
		recordingTask("second", &order),
	)
	runner.SetInterceptor(func(taskName string) bool {
		return taskName != "second"
	})
	runner.Start()

	require.Equal(t, []string{"first"}, order)
	require.True(t, runner.Halted())
	require.False(t, completed)
	require.False(t, failed)
}

func TestRunnerDynamicInsertion(t *testing.T) {
	var order []string
	completed := false

	inserter := taskrunner.Func{TaskName: "inserter", F: func(h taskrunner.Handle) {
		order = append(order, "inserter")
		h.InsertNext(
			recordingTask("inserted-a", &order),
			recordingTask("inserted-b", &order),
		)
		h.Complete()
	}}

	runner := taskrunner.New(
		func() { completed = true },
		nil,
		inserter,
		recordingTask("tail", &order),
	)
	runner.Start()

	require.True(t, completed)
	require.Equal(t, []string{"inserter", "inserted-a", "inserted-b", "tail"}, order)
}

func TestRunnerAsyncCompletion(t *testing.T) {
	var order []string
	done := make(chan struct{})

	async := taskrunner.Func{TaskName: "async", F: func(h taskrunner.Handle) {
		order = append(order, "async-start")
		go func() {
			time.Sleep(10 * time.Millisecond)
			h.Complete()
		}()
	}}

	runner := taskrunner.New(
		func() { close(done) },
		func(err error) { t.Errorf("unexpected failure: %v", err) },
		async,
		taskrunner.Func{TaskName: "after", F: func(h taskrunner.Handle) {
			order = append(order, "after")
			h.Complete()
		}},
	)
	runner.Start()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("chain did not complete")
	}
	require.Equal(t, []string{"async-start", "after"}, order)
}

func TestRunnerIgnoresDoubleSignal(t *testing.T) {
	completions := 0

	runner := taskrunner.New(
		func() { completions++ },
		func(err error) { t.Fatalf("unexpected failure: %v", err) },
		taskrunner.Func{TaskName: "greedy", F: func(h taskrunner.Handle) {
			h.Complete()
			h.Complete()
			h.Failed(errors.New("too late"))
		}},
	)
	runner.Start()

	require.Equal(t, 1, completions)
}
