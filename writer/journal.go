package writer

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	pqwriter "github.com/xitongsys/parquet-go/writer"

	"positionwatch/config"
	"positionwatch/logger"
	"positionwatch/models"
)

// changeRecord is the parquet schema of one journaled change event. Decimal
// values are stored as strings to keep them exact.
type changeRecord struct {
	EventID       string `parquet:"name=event_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Account       string `parquet:"name=account, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol        string `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	PositionSide  string `parquet:"name=position_side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Kind          string `parquet:"name=kind, type=BYTE_ARRAY, convertedtype=UTF8"`
	Side          string `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	BeforeAmount  string `parquet:"name=before_amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	AfterAmount   string `parquet:"name=after_amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	EntryPrice    string `parquet:"name=entry_price, type=BYTE_ARRAY, convertedtype=UTF8"`
	MarkPrice     string `parquet:"name=mark_price, type=BYTE_ARRAY, convertedtype=UTF8"`
	UnrealizedPnl string `parquet:"name=unrealized_pnl, type=BYTE_ARRAY, convertedtype=UTF8"`
	RealizedPnl   string `parquet:"name=realized_pnl, type=BYTE_ARRAY, convertedtype=UTF8"`
	Estimated     bool   `parquet:"name=realized_estimated, type=BOOLEAN"`
	Leverage      int32  `parquet:"name=leverage, type=INT32"`
	EventTime     int64  `parquet:"name=event_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
}

func toChangeRecord(ev models.PositionChangeEvent) changeRecord {
	snap := ev.After
	if ev.Kind == models.ChangeClose {
		snap = ev.Before
	}
	rec := changeRecord{
		EventID:       ev.ID,
		Account:       ev.Key.Account,
		Symbol:        ev.Key.Symbol,
		PositionSide:  ev.Key.PositionSide,
		Kind:          string(ev.Kind),
		Side:          string(ev.Side),
		BeforeAmount:  ev.Before.Amount.String(),
		AfterAmount:   ev.After.Amount.String(),
		EntryPrice:    snap.EntryPrice.String(),
		MarkPrice:     snap.MarkPrice.String(),
		UnrealizedPnl: snap.UnrealizedPnl.String(),
		Leverage:      int32(snap.Leverage),
		EventTime:     ev.Timestamp.UnixMilli(),
	}
	if ev.RealizedPnl.Valid {
		rec.RealizedPnl = ev.RealizedPnl.Decimal.String()
		rec.Estimated = ev.Estimated
	}
	return rec
}

type memFileWriter struct{ buffer *bytes.Buffer }

func newMemFileWriter() *memFileWriter { return &memFileWriter{buffer: &bytes.Buffer{}} }

func (m *memFileWriter) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFileWriter) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFileWriter) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memFileWriter) Read([]byte) (int, error)                  { return 0, nil }
func (m *memFileWriter) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memFileWriter) Close() error                              { return nil }
func (m *memFileWriter) Bytes() []byte                             { return m.buffer.Bytes() }

type objectUploader interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Journal archives every individual change event to S3 as parquet. Events
// are buffered per account and flushed on an interval and on Stop.
type Journal struct {
	bucket   string
	prefix   string
	interval time.Duration
	uploader objectUploader
	log      *logger.Log

	mu      sync.Mutex
	buffer  map[string][]changeRecord
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewJournal builds a journal writing to the configured S3 bucket.
func NewJournal(cfg *config.Config) (*Journal, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Storage.S3.Region)}
	if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Storage.S3.AccessKeyID,
				cfg.Storage.S3.SecretAccessKey,
				"",
			)))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.S3.Endpoint)
		}
		o.UsePathStyle = cfg.Storage.S3.PathStyle
	})
	return newJournal(cfg.Storage.S3.Bucket, cfg.Journal.Prefix, cfg.Journal.FlushInterval, client), nil
}

func newJournal(bucket, prefix string, interval time.Duration, uploader objectUploader) *Journal {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Journal{
		bucket:   bucket,
		prefix:   prefix,
		interval: interval,
		uploader: uploader,
		log:      logger.GetLogger(),
		buffer:   make(map[string][]changeRecord),
	}
}

// Start launches the periodic flush loop.
func (j *Journal) Start(ctx context.Context) error {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return fmt.Errorf("journal already running")
	}
	j.running = true
	ctx, j.cancel = context.WithCancel(ctx)
	j.mu.Unlock()

	j.wg.Add(1)
	go j.flushLoop(ctx)

	j.log.WithComponent("journal").WithFields(logger.Fields{
		"bucket":   j.bucket,
		"prefix":   j.prefix,
		"interval": j.interval.String(),
	}).Info("journal started")
	return nil
}

// Record buffers one change event.
func (j *Journal) Record(ev models.PositionChangeEvent) {
	j.mu.Lock()
	j.buffer[ev.Key.Account] = append(j.buffer[ev.Key.Account], toChangeRecord(ev))
	j.mu.Unlock()
}

// Stop ends the flush loop and uploads whatever is still buffered.
func (j *Journal) Stop(ctx context.Context) {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	j.running = false
	cancel := j.cancel
	j.mu.Unlock()

	cancel()
	j.wg.Wait()
	j.Flush(ctx)
	j.log.WithComponent("journal").Info("journal stopped")
}

func (j *Journal) flushLoop(ctx context.Context) {
	defer j.wg.Done()
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Flush(context.WithoutCancel(ctx))
		}
	}
}

// Flush uploads every buffered account batch. A failed upload is logged
// and its records are discarded.
func (j *Journal) Flush(ctx context.Context) {
	j.mu.Lock()
	buffers := j.buffer
	j.buffer = make(map[string][]changeRecord)
	j.mu.Unlock()

	for account, records := range buffers {
		if len(records) == 0 {
			continue
		}
		j.writeBatch(ctx, account, records, time.Now().UTC())
	}
}

func (j *Journal) writeBatch(ctx context.Context, account string, records []changeRecord, at time.Time) {
	log := j.log.WithComponent("journal").WithFields(logger.Fields{"account": account, "records": len(records)})
	start := time.Now()

	data, err := createParquet(records)
	if err != nil {
		log.WithError(err).Error("create parquet failed")
		return
	}
	key := j.objectKey(account, at)
	if _, err := j.uploader.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(j.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}); err != nil {
		log.WithError(err).Error("upload to s3 failed")
		return
	}
	log.WithFields(logger.Fields{
		"s3_key":      key,
		"bytes":       len(data),
		"duration_ms": float64(time.Since(start).Nanoseconds()) / 1e6,
	}).Info("journal batch uploaded")
}

func (j *Journal) objectKey(account string, at time.Time) string {
	return path.Join(
		j.prefix,
		fmt.Sprintf("account=%s", account),
		fmt.Sprintf("year=%04d", at.Year()),
		fmt.Sprintf("month=%02d", int(at.Month())),
		fmt.Sprintf("day=%02d", at.Day()),
		fmt.Sprintf("hour=%02d", at.Hour()),
		fmt.Sprintf("changes_%s_%d_%s.parquet", account, at.UnixNano(), uuid.NewString()[:8]),
	)
}

func createParquet(records []changeRecord) ([]byte, error) {
	mw := newMemFileWriter()
	pw, err := pqwriter.NewParquetWriter(mw, new(changeRecord), 4)
	if err != nil {
		return nil, err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, rec := range records {
		if err := pw.Write(rec); err != nil {
			return nil, err
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, err
	}
	return mw.Bytes(), nil
}
