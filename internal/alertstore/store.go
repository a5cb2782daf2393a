package alertstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"wisefido-snapshot/internal/config"
	"wisefido-snapshot/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// 哈希字段
const (
	fieldIsOn        = "is_on"
	fieldMutedTill   = "muted_till" // unix 毫秒
	fieldLower       = "lower"
	fieldUpper       = "upper"
	fieldDescription = "description"
	fieldUnseen      = "unseen_sec"
)

// Options 条件存储参数
type Options struct {
	KeyPrefix     string
	Channel       string
	WriteQueue    int
	UnseenCheck   time.Duration // 云连接未见检查间隔
	DefaultUnseen time.Duration // 未设置未见时长时使用
}

// OptionsFromConfig 从服务配置构造参数
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		KeyPrefix:     cfg.Alert.KeyPrefix,
		Channel:       cfg.Alert.ChangeChannel,
		DefaultUnseen: cfg.Alert.CloudUnseenDefault,
	}
}

func (o Options) withDefaults() Options {
	if o.KeyPrefix == "" {
		o.KeyPrefix = "alert:condition:"
	}
	if o.Channel == "" {
		o.Channel = "alert:changes"
	}
	if o.WriteQueue <= 0 {
		o.WriteQueue = 256
	}
	if o.UnseenCheck <= 0 {
		o.UnseenCheck = 30 * time.Second
	}
	if o.DefaultUnseen <= 0 {
		o.DefaultUnseen = 15 * time.Minute
	}
	return o
}

type condKey struct {
	sensorID string
	alert    models.AlertType
}

type writeJob struct {
	key    condKey
	set    map[string]interface{}
	del    []string
	origin string
	reload bool // 缓存未命中，写入后重新加载
}

// changeMessage pub/sub 通道上的变化消息
type changeMessage struct {
	SensorID string           `json:"sensor_id"`
	Type     models.AlertType `json:"type"`
	Origin   string           `json:"origin"`
	Instance string           `json:"instance"`
}

// Store 基于 Redis 哈希的报警条件评估器
//
// 每个 (传感器, 报警类型) 一个哈希；写入先更新本地缓存，再异步 HSET + PUBLISH。
// 其它实例的变化经订阅重新加载到缓存后转发给 Changes。
type Store struct {
	client   *redis.Client
	opts     Options
	logger   *zap.Logger
	instance string
	now      func() time.Time

	mu           sync.Mutex
	cache        map[condKey]models.ConditionState
	triggered    map[condKey]bool
	lastSeen     map[string]time.Time
	lastMovement map[string]int

	writes   chan writeJob
	changes  chan models.ConditionChange
	triggers chan models.TriggerEvent
}

// New 创建条件存储
func New(client *redis.Client, opts Options, logger *zap.Logger) *Store {
	opts = opts.withDefaults()
	return &Store{
		client:       client,
		opts:         opts,
		logger:       logger,
		instance:     uuid.NewString(),
		now:          time.Now,
		cache:        make(map[condKey]models.ConditionState),
		triggered:    make(map[condKey]bool),
		lastSeen:     make(map[string]time.Time),
		lastMovement: make(map[string]int),
		writes:       make(chan writeJob, opts.WriteQueue),
		changes:      make(chan models.ConditionChange, 256),
		triggers:     make(chan models.TriggerEvent, 256),
	}
}

// Instance 本进程实例标识
func (s *Store) Instance() string {
	return s.instance
}

// Changes 条件变化（包括本实例写入，由引擎按 origin 过滤）
func (s *Store) Changes() <-chan models.ConditionChange {
	return s.changes
}

// Triggers 触发/解除信号
func (s *Store) Triggers() <-chan models.TriggerEvent {
	return s.triggers
}

// Start 订阅变化通道并启动写入与未见检查；订阅确认后返回
func (s *Store) Start(ctx context.Context) error {
	pubsub := s.client.Subscribe(ctx, s.opts.Channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("failed to subscribe %s: %w", s.opts.Channel, err)
	}

	go s.writer(ctx)
	go s.subscriber(ctx, pubsub)
	go s.unseenLoop(ctx)

	s.logger.Info("Alert condition store started",
		zap.String("channel", s.opts.Channel),
		zap.String("instance", s.instance),
	)
	return nil
}

func (s *Store) key(k condKey) string {
	return s.opts.KeyPrefix + k.sensorID + ":" + string(k.alert)
}

// State 读取条件，缓存未命中时从 Redis 加载
func (s *Store) State(ctx context.Context, sensorID string, t models.AlertType) (models.ConditionState, error) {
	k := condKey{sensorID: sensorID, alert: t}
	s.mu.Lock()
	st, ok := s.cache[k]
	s.mu.Unlock()
	if ok {
		return st, nil
	}
	return s.load(ctx, k)
}

// Cached 只读本地缓存，不访问 Redis
func (s *Store) Cached(sensorID string, t models.AlertType) (models.ConditionState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.cache[condKey{sensorID: sensorID, alert: t}]
	return st, ok
}

// Preload 用一次 pipeline 把未缓存的条件加载进缓存；已有的缓存值不被覆盖
func (s *Store) Preload(ctx context.Context, sensorID string, types []models.AlertType) error {
	var missing []condKey
	s.mu.Lock()
	for _, t := range types {
		k := condKey{sensorID: sensorID, alert: t}
		if _, ok := s.cache[k]; !ok {
			missing = append(missing, k)
		}
	}
	s.mu.Unlock()
	if len(missing) == 0 {
		return nil
	}

	cmds := make([]*redis.StringStringMapCmd, len(missing))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, k := range missing {
			cmds[i] = pipe.HGetAll(ctx, s.key(k))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to preload alert conditions for %s: %w", sensorID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, k := range missing {
		if _, ok := s.cache[k]; ok {
			continue
		}
		s.cache[k] = parseState(cmds[i].Val())
	}
	return nil
}

func (s *Store) load(ctx context.Context, k condKey) (models.ConditionState, error) {
	values, err := s.client.HGetAll(ctx, s.key(k)).Result()
	if err != nil {
		return models.ConditionState{}, fmt.Errorf("failed to load alert condition %s: %w", s.key(k), err)
	}
	st := parseState(values)
	s.mu.Lock()
	s.cache[k] = st
	s.mu.Unlock()
	return st, nil
}

// SetActive 开关报警
func (s *Store) SetActive(ctx context.Context, sensorID string, t models.AlertType, active bool, origin string) error {
	k := condKey{sensorID: sensorID, alert: t}
	cached := s.update(k, func(st *models.ConditionState) { st.IsOn = active })
	if !active {
		s.mu.Lock()
		s.transitionLocked(k, false, s.now())
		s.mu.Unlock()
	}
	s.enqueue(ctx, writeJob{key: k, set: map[string]interface{}{fieldIsOn: formatBool(active)}, origin: origin, reload: !cached})
	return nil
}

// SetBounds 设置阈值；nil 表示清除
func (s *Store) SetBounds(ctx context.Context, sensorID string, t models.AlertType, lower, upper *float64, origin string) error {
	k := condKey{sensorID: sensorID, alert: t}
	cached := s.update(k, func(st *models.ConditionState) {
		st.Lower = copyFloat(lower)
		st.Upper = copyFloat(upper)
	})
	job := writeJob{key: k, set: map[string]interface{}{}, origin: origin, reload: !cached}
	setOrDelete(&job, fieldLower, lower)
	setOrDelete(&job, fieldUpper, upper)
	s.enqueue(ctx, job)
	return nil
}

// SetDescription 设置报警描述
func (s *Store) SetDescription(ctx context.Context, sensorID string, t models.AlertType, description string, origin string) error {
	k := condKey{sensorID: sensorID, alert: t}
	cached := s.update(k, func(st *models.ConditionState) { st.Description = description })
	s.enqueue(ctx, writeJob{key: k, set: map[string]interface{}{fieldDescription: description}, origin: origin, reload: !cached})
	return nil
}

// SetMutedTill 设置静音截止时间；nil 表示取消静音
func (s *Store) SetMutedTill(ctx context.Context, sensorID string, t models.AlertType, till *time.Time, origin string) error {
	k := condKey{sensorID: sensorID, alert: t}
	var stored *time.Time
	if till != nil {
		v := time.UnixMilli(till.UnixMilli())
		stored = &v
	}
	cached := s.update(k, func(st *models.ConditionState) { st.MutedTill = stored })
	job := writeJob{key: k, set: map[string]interface{}{}, origin: origin, reload: !cached}
	if stored == nil {
		job.del = append(job.del, fieldMutedTill)
	} else {
		job.set[fieldMutedTill] = strconv.FormatInt(stored.UnixMilli(), 10)
	}
	s.enqueue(ctx, job)
	return nil
}

// SetUnseenDuration 设置云连接报警的未见时长
func (s *Store) SetUnseenDuration(ctx context.Context, sensorID string, d time.Duration, origin string) error {
	k := condKey{sensorID: sensorID, alert: models.AlertCloudConnection}
	secs := int64(d / time.Second)
	stored := time.Duration(secs) * time.Second
	cached := s.update(k, func(st *models.ConditionState) { st.UnseenDuration = &stored })
	s.enqueue(ctx, writeJob{key: k, set: map[string]interface{}{fieldUnseen: strconv.FormatInt(secs, 10)}, origin: origin, reload: !cached})
	return nil
}

// update 只修改已缓存的条件，不在调用方做 Redis 读取；未缓存时返回 false
func (s *Store) update(k condKey, mutate func(*models.ConditionState)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.cache[k]
	if !ok {
		return false
	}
	mutate(&st)
	s.cache[k] = st
	return true
}

// enqueue 写入队列已满时在调用方同步写入
func (s *Store) enqueue(ctx context.Context, job writeJob) {
	select {
	case s.writes <- job:
	default:
		s.logger.Warn("Alert write queue full, writing inline", zap.String("key", s.key(job.key)))
		if err := s.write(ctx, job); err != nil {
			s.logger.Error("Failed to write alert condition", zap.String("key", s.key(job.key)), zap.Error(err))
		}
	}
}

func (s *Store) writer(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-s.writes:
			if err := s.write(ctx, job); err != nil {
				s.logger.Error("Failed to write alert condition",
					zap.String("key", s.key(job.key)),
					zap.Error(err),
				)
				continue
			}
			if job.reload {
				if _, err := s.load(ctx, job.key); err != nil {
					s.logger.Warn("Failed to reload alert condition", zap.Error(err))
				}
			}
		}
	}
}

func (s *Store) write(ctx context.Context, job writeJob) error {
	payload, err := json.Marshal(changeMessage{
		SensorID: job.key.sensorID,
		Type:     job.key.alert,
		Origin:   job.origin,
		Instance: s.instance,
	})
	if err != nil {
		return err
	}
	key := s.key(job.key)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(job.set) > 0 {
			pipe.HSet(ctx, key, job.set)
		}
		if len(job.del) > 0 {
			pipe.HDel(ctx, key, job.del...)
		}
		pipe.Publish(ctx, s.opts.Channel, string(payload))
		return nil
	})
	return err
}

func (s *Store) subscriber(ctx context.Context, pubsub *redis.PubSub) {
	defer pubsub.Close()
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var m changeMessage
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				s.logger.Warn("Invalid alert change message", zap.String("payload", msg.Payload), zap.Error(err))
				continue
			}
			if m.Instance != s.instance {
				if _, err := s.load(ctx, condKey{sensorID: m.SensorID, alert: m.Type}); err != nil {
					s.logger.Warn("Failed to reload alert condition", zap.Error(err))
					continue
				}
			}
			select {
			case s.changes <- models.ConditionChange{SensorID: m.SensorID, Type: m.Type, Origin: m.Origin}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func parseState(values map[string]string) models.ConditionState {
	var st models.ConditionState
	st.IsOn = values[fieldIsOn] == "1"
	if v, ok := values[fieldMutedTill]; ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			t := time.UnixMilli(ms)
			st.MutedTill = &t
		}
	}
	st.Lower = parseFloat(values, fieldLower)
	st.Upper = parseFloat(values, fieldUpper)
	st.Description = values[fieldDescription]
	if v, ok := values[fieldUnseen]; ok {
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
			d := time.Duration(secs) * time.Second
			st.UnseenDuration = &d
		}
	}
	return st
}

func parseFloat(values map[string]string, field string) *float64 {
	v, ok := values[field]
	if !ok {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil
	}
	return &f
}

func setOrDelete(job *writeJob, field string, v *float64) {
	if v == nil {
		job.del = append(job.del, field)
		return
	}
	job.set[field] = strconv.FormatFloat(*v, 'f', -1, 64)
}

func formatBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func copyFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}
