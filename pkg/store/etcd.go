package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"allot/pkg/model"
)

// DefaultEtcdPrefix 快照 key 的前缀: /allot/jobs/<job>
const DefaultEtcdPrefix = "/allot/jobs/"

type EtcdStore struct {
	client *clientv3.Client
	prefix string
	log    *zap.Logger
}

// NewEtcdStore 初始化 Etcd 连接
func NewEtcdStore(endpoints []string, prefix string, dialTimeout time.Duration, log *zap.Logger) (*EtcdStore, error) {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
		Logger:      log,
	})
	if err != nil {
		return nil, err
	}
	return newEtcdStore(cli, prefix, log), nil
}

func newEtcdStore(cli *clientv3.Client, prefix string, log *zap.Logger) *EtcdStore {
	if prefix == "" {
		prefix = DefaultEtcdPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &EtcdStore{client: cli, prefix: prefix, log: log}
}

// Key 作业快照对应的 key
func (e *EtcdStore) Key(jobName string) string {
	return e.prefix + jobName
}

func (e *EtcdStore) Save(ctx context.Context, doc *model.ClusterDoc) error {
	if err := validJobName(doc.JobName); err != nil {
		return err
	}
	return e.putValue(ctx, e.Key(doc.JobName), doc)
}

func (e *EtcdStore) Load(ctx context.Context, jobName string) (*model.ClusterDoc, error) {
	resp, err := e.client.Get(ctx, e.Key(jobName))
	if err != nil {
		return nil, err
	}
	if len(resp.Kvs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobName)
	}

	var doc model.ClusterDoc
	if err := json.Unmarshal(resp.Kvs[0].Value, &doc); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", jobName, err)
	}
	return &doc, nil
}

func (e *EtcdStore) List(ctx context.Context) ([]string, error) {
	// 只要 key，不拉 value
	resp, err := e.client.Get(ctx, e.prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		names = append(names, strings.TrimPrefix(string(kv.Key), e.prefix))
	}
	sort.Strings(names)
	return names, nil
}

// Watch 把 Etcd 的 Watch 转换成快照 Channel，供只读观察者使用
// 先送出当前快照（若存在），再从下一个 revision 开始推送后续写入，中间不丢更新
// ctx 结束或 watch 被服务端取消后 channel 关闭
func (e *EtcdStore) Watch(ctx context.Context, jobName string) (<-chan *model.ClusterDoc, error) {
	key := e.Key(jobName)
	resp, err := e.client.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	docCh := make(chan *model.ClusterDoc)
	go func() {
		defer close(docCh)
		for _, kv := range resp.Kvs {
			if !e.send(ctx, docCh, kv) {
				return
			}
		}

		watchChan := e.client.Watch(ctx, key, clientv3.WithRev(resp.Header.GetRevision()+1))
		for watchResp := range watchChan {
			if err := watchResp.Err(); err != nil {
				e.log.Warn("watch canceled", zap.String("key", key), zap.Error(err))
				return
			}
			for _, ev := range watchResp.Events {
				// 删除事件不带快照
				if ev.Type != clientv3.EventTypePut {
					continue
				}
				if !e.send(ctx, docCh, ev.Kv) {
					return
				}
			}
		}
	}()

	return docCh, nil
}

// send 解码一条快照并送出；返回 false 表示 ctx 已结束
func (e *EtcdStore) send(ctx context.Context, docCh chan<- *model.ClusterDoc, kv *mvccpb.KeyValue) bool {
	var doc model.ClusterDoc
	if err := json.Unmarshal(kv.Value, &doc); err != nil {
		e.log.Warn("failed to unmarshal snapshot", zap.String("key", string(kv.Key)), zap.Error(err))
		return true
	}
	select {
	case docCh <- &doc:
		return true
	case <-ctx.Done():
		return false
	}
}

// Delete 删除作业快照
func (e *EtcdStore) Delete(ctx context.Context, jobName string) error {
	_, err := e.client.Delete(ctx, e.Key(jobName))
	return err
}

func (e *EtcdStore) Close() error {
	return e.client.Close()
}

// putValue 封装通用的 JSON 序列化 + Put 操作
func (e *EtcdStore) putValue(ctx context.Context, key string, val interface{}) error {
	bytes, err := json.Marshal(val)
	if err != nil {
		return err
	}
	_, err = e.client.Put(ctx, key, string(bytes))
	return err
}
