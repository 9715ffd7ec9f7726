package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
	"pgregory.net/rapid"

	"allot/internal/progress"
	"allot/internal/roster"
	"allot/internal/transport"
	"allot/pkg/model"
)

func testFactory(a model.Assignment) (*Task, error) {
	cmds := []string{"cd allot/example", fmt.Sprintf("python3 test.py %s %d", a.NodeName, a.ProcID)}
	out := filepath.Join(a.OutputDir, fmt.Sprintf("%s-%d.out", a.NodeName, a.ProcID))
	return NewTask(cmds, out, a), nil
}

func fiveNodeRoster() []roster.Entry {
	entries := make([]roster.Entry, 0, 5)
	for i := 1; i <= 5; i++ {
		entries = append(entries, roster.Entry{Name: fmt.Sprintf("n%d", i), Address: fmt.Sprintf("10.0.0.%d", i)})
	}
	return entries
}

func nodeNames(c *Cluster) []string {
	names := make([]string, 0, len(c.Nodes))
	for _, n := range c.Nodes {
		names = append(names, n.Name)
	}
	return names
}

func TestAcquireSkipsDownNodes(t *testing.T) {
	tr := newFakeTransport()
	tr.up("10.0.0.1", "8", 0)
	tr.down("10.0.0.2", 0)
	tr.up("10.0.0.3", "8", 0)
	tr.down("10.0.0.4", 1)
	tr.up("10.0.0.5", "8", 0)

	c, err := New(context.Background(), Options{
		JobName:   "job",
		OutputDir: t.TempDir(),
		Hints:     Hints{NNodes: 3},
		Roster:    fiveNodeRoster(),
		Transport: tr,
		Logger:    zaptest.NewLogger(t),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"n1", "n3", "n5"}, nodeNames(c))
	for _, n := range c.Nodes {
		assert.Equal(t, model.NodeUp, n.Status)
		assert.Equal(t, 8, n.NProc)
	}
}

func TestAcquireResolutionOrder(t *testing.T) {
	tr := newFakeTransport()
	tr.up("10.0.0.1", "4", 2)
	tr.down("10.0.0.2", 0)
	tr.up("10.0.0.3", "4", 0)
	tr.down("10.0.0.4", 0)
	tr.up("10.0.0.5", "4", 0)

	c, err := New(context.Background(), Options{
		JobName:         "job",
		OutputDir:       t.TempDir(),
		Hints:           Hints{NNodes: 3},
		Roster:          fiveNodeRoster(),
		Transport:       tr,
		AcquireInterval: time.Millisecond,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"n3", "n5", "n1"}, nodeNames(c))
}

func TestAcquireStopsAtRequestedCount(t *testing.T) {
	tr := newFakeTransport()
	for i := 1; i <= 5; i++ {
		tr.up(fmt.Sprintf("10.0.0.%d", i), "2", 0)
	}
	c, err := New(context.Background(), Options{
		JobName:   "job",
		OutputDir: t.TempDir(),
		Hints:     Hints{NNodes: 2},
		Roster:    fiveNodeRoster(),
		Transport: tr,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"n1", "n2"}, nodeNames(c))
}

func TestAcquireInsufficientNodes(t *testing.T) {
	tr := newFakeTransport()
	tr.up("10.0.0.1", "8", 0)
	tr.up("10.0.0.2", "8", 1)

	_, err := New(context.Background(), Options{
		JobName:         "job",
		OutputDir:       t.TempDir(),
		Hints:           Hints{NNodes: 3},
		Roster:          fiveNodeRoster(),
		Transport:       tr,
		AcquireInterval: time.Millisecond,
	}, testFactory)
	assert.ErrorIs(t, err, ErrInsufficientNodes)
	assert.Zero(t, tr.launchCount())
}

func TestAcquireCancelled(t *testing.T) {
	tr := newFakeTransport()
	tr.up("10.0.0.1", "8", 1_000_000)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := New(ctx, Options{
		JobName:         "job",
		OutputDir:       t.TempDir(),
		Hints:           Hints{NNodes: 1},
		Roster:          fiveNodeRoster()[:1],
		Transport:       tr,
		AcquireInterval: 5 * time.Millisecond,
	}, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewConfigurationErrors(t *testing.T) {
	tr := newFakeTransport()

	_, err := New(context.Background(), Options{JobName: "job", OutputDir: t.TempDir(), Hints: Hints{NNodes: 1}, Transport: tr}, nil)
	assert.ErrorIs(t, err, ErrNoRoster)

	_, err = New(context.Background(), Options{JobName: "job", OutputDir: t.TempDir(), Roster: fiveNodeRoster(), Transport: tr}, nil)
	assert.ErrorIs(t, err, ErrInvalidSizing)
}

func TestNewFromHostFile(t *testing.T) {
	dir := t.TempDir()
	hostfile := filepath.Join(dir, "hostfile.txt")
	require.NoError(t, os.WriteFile(hostfile, []byte("# nodes\nalpha: a\nbroken line\nbeta: b\n"), 0o644))

	tr := newFakeTransport()
	tr.up("a", "2", 0)
	tr.up("b", "2", 0)

	c, err := New(context.Background(), Options{
		JobName:   "job",
		OutputDir: filepath.Join(dir, "out"),
		Hints:     Hints{NNodes: 2, NTasksPerNode: 2},
		HostFile:  hostfile,
		Transport: tr,
	}, testFactory)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, nodeNames(c))
	assert.DirExists(t, filepath.Join(dir, "out"))
	assert.Equal(t, 4, tr.launchCount())
}

func TestDispatchAssignsRanks(t *testing.T) {
	tr := newFakeTransport()
	for i := 1; i <= 5; i++ {
		tr.up(fmt.Sprintf("10.0.0.%d", i), "16", 0)
	}
	c, err := New(context.Background(), Options{
		JobName:   "example_job",
		OutputDir: t.TempDir(),
		Hints:     Hints{NTasks: 10},
		Roster:    fiveNodeRoster(),
		Transport: tr,
	}, testFactory)
	require.NoError(t, err)

	// ntasks=10 -> 3 个节点，每个 4 个槽位
	assert.Equal(t, 3, c.NNodes)
	assert.Equal(t, 4, c.NTasksPerNode)
	tasks := c.Tasks()
	require.Len(t, tasks, 12)
	for i, task := range tasks {
		assert.Equal(t, i, task.Assignment.ProcID)
		assert.Equal(t, task.Assignment.NodeID*4+task.Assignment.LocalID, task.Assignment.ProcID)
		assert.Equal(t, 16, task.Assignment.CPUsOnNode)
		assert.Equal(t, "example_job", task.Assignment.JobName)
		assert.Equal(t, model.TaskRunningEarly, task.Status)
	}
	assert.Equal(t, "n2", tasks[5].Assignment.NodeName)
	assert.Equal(t, 1, tasks[5].Assignment.LocalID)

	launches := tr.launches["10.0.0.1"]
	require.Len(t, launches, 4)
	assert.Equal(t, fmt.Sprintf("nohup bash -c 'cd allot/example; python3 test.py n1 0' > %s 2>&1 &",
		filepath.Join(c.OutputDir, "n1-0.out")), launches[0])
	assert.Empty(t, tr.launches["10.0.0.4"])
}

// 派发请求不随 ctx 取消；WaitLaunched 等到远端全部返回，并记录失败的启动
func TestWaitLaunched(t *testing.T) {
	tr := newFakeTransport()
	tr.up("10.0.0.1", "4", 0)
	tr.up("10.0.0.2", "4", 0)
	tr.launch = probeReply{result: transport.Result{ExitCode: 255, Stderr: "connection closed"}, delay: 3}
	core, logs := observer.New(zap.DebugLevel)

	ctx, cancel := context.WithCancel(context.Background())
	c, err := New(ctx, Options{
		JobName:   "job",
		OutputDir: t.TempDir(),
		Hints:     Hints{NNodes: 2, NTasksPerNode: 2},
		Roster:    fiveNodeRoster()[:2],
		Transport: tr,
		Logger:    zap.New(core),
	}, testFactory)
	require.NoError(t, err)
	cancel()

	require.Len(t, tr.ctxs, 4)
	for _, launchCtx := range tr.ctxs {
		assert.NoError(t, launchCtx.Err())
	}
	for _, n := range c.Nodes {
		assert.Equal(t, 2, n.PendingLaunches())
	}

	require.NoError(t, c.WaitLaunched(context.Background()))
	for _, n := range c.Nodes {
		assert.Zero(t, n.PendingLaunches())
	}
	failed := logs.FilterMessage("launch failed").All()
	require.Len(t, failed, 4)
	assert.EqualValues(t, 255, failed[0].ContextMap()["exit_code"])
	for _, task := range c.Tasks() {
		assert.Equal(t, model.TaskRunningEarly, task.Status)
	}
}

func TestWaitLaunchedCancelled(t *testing.T) {
	tr := newFakeTransport()
	tr.up("10.0.0.1", "4", 0)
	tr.launch = probeReply{delay: 1 << 30}

	c, err := New(context.Background(), Options{
		JobName:   "job",
		OutputDir: t.TempDir(),
		Hints:     Hints{NNodes: 1, NTasksPerNode: 2},
		Roster:    fiveNodeRoster()[:1],
		Transport: tr,
	}, testFactory)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, c.WaitLaunched(ctx), context.Canceled)
	assert.Equal(t, 2, c.Nodes[0].PendingLaunches())
}

func TestUpdateReapsLaunches(t *testing.T) {
	tr := newFakeTransport()
	tr.up("10.0.0.1", "4", 0)

	c, err := New(context.Background(), Options{
		JobName:   "job",
		OutputDir: t.TempDir(),
		Hints:     Hints{NNodes: 1, NTasksPerNode: 3},
		Roster:    fiveNodeRoster()[:1],
		Transport: tr,
	}, testFactory)
	require.NoError(t, err)
	assert.Equal(t, 3, c.Nodes[0].PendingLaunches())

	c.Update()
	assert.Zero(t, c.Nodes[0].PendingLaunches())
}

func TestDispatchFactoryError(t *testing.T) {
	tr := newFakeTransport()
	tr.up("10.0.0.1", "1", 0)
	_, err := New(context.Background(), Options{
		JobName:   "job",
		OutputDir: t.TempDir(),
		Hints:     Hints{NNodes: 1},
		Roster:    fiveNodeRoster()[:1],
		Transport: tr,
	}, func(model.Assignment) (*Task, error) { return nil, fmt.Errorf("boom") })
	assert.Error(t, err)
}

// proc_id 恰好覆盖 0..nnodes*per_node-1，没有重复
func TestProcIDProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		nnodes := rapid.IntRange(1, 6).Draw(rt, "nnodes")
		perNode := rapid.IntRange(1, 5).Draw(rt, "per_node")

		tr := newFakeTransport()
		entries := make([]roster.Entry, 0, nnodes)
		for i := 0; i < nnodes; i++ {
			addr := fmt.Sprintf("h%d", i)
			tr.up(addr, "4", rapid.IntRange(0, 2).Draw(rt, "delay"))
			entries = append(entries, roster.Entry{Name: addr, Address: addr})
		}

		c, err := New(context.Background(), Options{
			JobName:         "job",
			OutputDir:       t.TempDir(),
			Hints:           Hints{NNodes: nnodes, NTasksPerNode: perNode},
			Roster:          entries,
			Transport:       tr,
			AcquireInterval: time.Microsecond,
			Logger:          zap.NewNop(),
		}, testFactory)
		if err != nil {
			rt.Fatalf("new: %v", err)
		}

		ids := make([]int, 0)
		for _, task := range c.Tasks() {
			ids = append(ids, task.Assignment.ProcID)
		}
		sort.Ints(ids)
		if len(ids) != nnodes*perNode {
			rt.Fatalf("got %d tasks, want %d", len(ids), nnodes*perNode)
		}
		for i, id := range ids {
			if id != i {
				rt.Fatalf("proc ids %v are not 0..%d", ids, nnodes*perNode-1)
			}
		}
	})
}

func TestUpdateAndReport(t *testing.T) {
	tr := newFakeTransport()
	tr.up("10.0.0.1", "4", 0)
	tr.up("10.0.0.2", "4", 0)
	c, err := New(context.Background(), Options{
		JobName:   "job",
		OutputDir: t.TempDir(),
		Hints:     Hints{NNodes: 2, NTasksPerNode: 2},
		Roster:    fiveNodeRoster()[:2],
		Transport: tr,
	}, testFactory)
	require.NoError(t, err)
	assert.False(t, c.Done())

	tasks := c.Tasks()
	require.NoError(t, os.WriteFile(tasks[0].OutputFile, []byte(progress.Format(5, 5)), 0o644))
	require.NoError(t, os.WriteFile(tasks[1].OutputFile, []byte(progress.Format(2, 5)), 0o644))
	old := time.Now().Add(-3 * time.Hour)
	require.NoError(t, os.WriteFile(tasks[2].OutputFile, []byte("hung"), 0o644))
	require.NoError(t, os.Chtimes(tasks[2].OutputFile, old, old))

	var buf bytes.Buffer
	require.NoError(t, c.PrintProgress(&buf))

	want := strings.Join([]string{
		"Node: n1 | UP | node_id=0",
		"    Task: FINISHED, local_id=0, proc_id=0, progress: 5/5",
		"    Task: RUNNING, local_id=1, proc_id=1, progress: 2/5",
		"Node: n2 | UP | node_id=1",
		"    Task: STALLED, local_id=0, proc_id=2, progress: 0/0",
		"    Task: RUNNING_EARLY, local_id=1, proc_id=3, progress: 0/0",
		"",
		"",
	}, "\n")
	assert.Equal(t, want, buf.String())

	s := c.Summary()
	assert.Equal(t, 2, s.Nodes)
	assert.Equal(t, 1, s.Counts[model.TaskRunning])
	assert.False(t, c.Done())

	require.NoError(t, os.WriteFile(tasks[1].OutputFile, []byte(progress.Format(5, 5)), 0o644))
	require.NoError(t, os.WriteFile(tasks[3].OutputFile, []byte(progress.Format(1, 1)), 0o644))
	later := time.Now().Add(time.Second)
	require.NoError(t, os.Chtimes(tasks[1].OutputFile, later, later))
	c.Update()
	assert.True(t, c.Done())
}

func TestSnapshotRoundTrip(t *testing.T) {
	tr := newFakeTransport()
	for i := 1; i <= 3; i++ {
		tr.up(fmt.Sprintf("10.0.0.%d", i), "8", 0)
	}
	c, err := New(context.Background(), Options{
		JobName:   "example_job",
		OutputDir: t.TempDir(),
		Hints:     Hints{NNodes: 3, NTasksPerNode: 2},
		Roster:    fiveNodeRoster()[:3],
		Transport: tr,
	}, testFactory)
	require.NoError(t, err)

	for i, task := range c.Tasks() {
		if i%2 == 0 {
			require.NoError(t, os.WriteFile(task.OutputFile, []byte(progress.Format(7, 7)), 0o644))
		} else {
			require.NoError(t, os.WriteFile(task.OutputFile, []byte(progress.Format(i, 7)), 0o644))
		}
	}
	c.Update()

	data, err := json.Marshal(Snapshot(c))
	require.NoError(t, err)
	var doc model.ClusterDoc
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, model.SchemaVersion, doc.SchemaVersion)

	restored, err := Restore(&doc, RestoreOptions{Transport: tr, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)

	assert.Equal(t, c.JobName, restored.JobName)
	assert.Equal(t, c.OutputDir, restored.OutputDir)
	assert.Equal(t, c.NTasks, restored.NTasks)
	assert.Equal(t, c.NNodes, restored.NNodes)
	assert.Equal(t, c.NTasksPerNode, restored.NTasksPerNode)
	require.Len(t, restored.Nodes, 3)
	for i, n := range restored.Nodes {
		assert.Equal(t, c.Nodes[i].Name, n.Name)
		assert.Equal(t, c.Nodes[i].Address, n.Address)
		assert.Equal(t, 8, n.NProc)
		assert.Equal(t, model.NodeUp, n.Status)
		assert.False(t, n.Probing())
	}

	orig, got := c.Tasks(), restored.Tasks()
	require.Len(t, got, 6)
	for i := range orig {
		assert.Equal(t, orig[i].Status, got[i].Status)
		assert.Equal(t, orig[i].Progress, got[i].Progress)
		assert.Equal(t, orig[i].Total, got[i].Total)
		assert.Equal(t, orig[i].LastUpdate, got[i].LastUpdate)
		assert.Equal(t, orig[i].Assignment, got[i].Assignment)
		assert.Equal(t, orig[i].Command, got[i].Command)
		assert.Equal(t, orig[i].OutputFile, got[i].OutputFile)
	}
	assert.Equal(t, model.TaskFinished, got[0].Status)
	assert.Equal(t, model.TaskRunning, got[1].Status)

	// 恢复后可以继续监控
	require.NoError(t, os.WriteFile(orig[1].OutputFile, []byte(progress.Format(7, 7)), 0o644))
	later := time.Now().Add(time.Second)
	require.NoError(t, os.Chtimes(orig[1].OutputFile, later, later))
	restored.Update()
	assert.Equal(t, model.TaskFinished, got[1].Status)
}

func TestRestoreRejectsUnknownSchema(t *testing.T) {
	_, err := Restore(&model.ClusterDoc{SchemaVersion: 99}, RestoreOptions{})
	assert.ErrorIs(t, err, ErrSchemaVersion)
}

func TestRestoreReprobe(t *testing.T) {
	tr := newFakeTransport()
	tr.down("gone", 0)
	doc := &model.ClusterDoc{
		SchemaVersion: model.SchemaVersion,
		JobName:       "job",
		NNodes:        1,
		NTasksPerNode: 1,
		NTasks:        1,
		Nodes:         []model.NodeDoc{{Name: "n1", Address: "gone", NProc: 4}},
	}
	c, err := Restore(doc, RestoreOptions{Transport: tr})
	require.NoError(t, err)
	assert.Equal(t, model.NodeUp, c.Nodes[0].Status)

	c.Reprobe(context.Background())
	assert.True(t, c.Nodes[0].Probing())
	c.Update()
	assert.Equal(t, model.NodeDown, c.Nodes[0].Status)
}

func TestTemplateFactory(t *testing.T) {
	factory, err := NewTemplateFactory([]string{"cd work", "./job {{.NodeName}} {{.ProcID}} {{.CPUsOnNode}}"}, "")
	require.NoError(t, err)

	task, err := factory(model.Assignment{NodeName: "n2", ProcID: 5, CPUsOnNode: 8, OutputDir: "/data/out"})
	require.NoError(t, err)
	assert.Equal(t, []string{"cd work", "./job n2 5 8"}, task.Command)
	assert.Equal(t, "/data/out/n2-5.out", task.OutputFile)
	assert.Equal(t, model.TaskNotStarted, task.Status)

	factory, err = NewTemplateFactory([]string{"run"}, "/abs/{{.JobName}}.{{.ProcID}}.log")
	require.NoError(t, err)
	task, err = factory(model.Assignment{JobName: "j", ProcID: 1, OutputDir: "/ignored"})
	require.NoError(t, err)
	assert.Equal(t, "/abs/j.1.log", task.OutputFile)

	_, err = NewTemplateFactory(nil, "")
	assert.Error(t, err)
	_, err = NewTemplateFactory([]string{"{{.Broken"}, "")
	assert.Error(t, err)

	factory, err = NewTemplateFactory([]string{"{{.NoSuchField}}"}, "")
	require.NoError(t, err)
	_, err = factory(model.Assignment{})
	assert.Error(t, err)
}
