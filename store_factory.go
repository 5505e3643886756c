package docstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"pkt.systems/docstore/internal/clock"
	"pkt.systems/docstore/internal/kv"
	"pkt.systems/docstore/internal/lock"
	"pkt.systems/docstore/internal/loggingutil"
	"pkt.systems/docstore/internal/pathutil"
	"pkt.systems/docstore/internal/sourcesync"
	"pkt.systems/docstore/internal/storage"
	awsstore "pkt.systems/docstore/internal/storage/aws"
	azurestore "pkt.systems/docstore/internal/storage/azure"
	"pkt.systems/docstore/internal/storage/disk"
	loggingbackend "pkt.systems/docstore/internal/storage/logging"
	"pkt.systems/docstore/internal/storage/memory"
	"pkt.systems/docstore/internal/storage/objectstore"
	"pkt.systems/docstore/internal/storage/retry"
	"pkt.systems/docstore/internal/storage/s3"
	"pkt.systems/docstore/internal/watch"
	"pkt.systems/pslog"
)

const readinessTimeout = 10 * time.Second

// CredentialSummary describes which credentials were selected for object storage.
type CredentialSummary struct {
	AccessKey string
	HasSecret bool
	Source    string
}

// ObjectStoreLocation is an object store plus the key prefix sessions live under.
type ObjectStoreLocation struct {
	Bucket string
	Prefix string
}

// backendStack is everything the service layer needs from one store URL.
type backendStack struct {
	storage storage.Backend
	locks   lock.Manager
	sync    *sourcesync.Syncer
	watch   watch.Backend
	name    string
}

func (b *backendStack) Close() error {
	var errs []error
	if b.watch != nil {
		errs = append(errs, b.watch.Close())
	}
	if b.locks != nil {
		errs = append(errs, b.locks.Close())
	}
	if b.storage != nil {
		errs = append(errs, b.storage.Close())
	}
	return errors.Join(errs...)
}

// openBackend builds storage, locks, sync and watch for cfg.Store. Disk
// stores pair with file locks, local file sync and fsnotify watches; object
// stores pair with KV locks, object sync and polling watches.
func openBackend(ctx context.Context, cfg Config, logger pslog.Logger, clk clock.Clock) (*backendStack, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("parse store URL: %w", err)
	}
	storageLogger := loggingutil.WithSubsystem(logger, "storage")
	switch u.Scheme {
	case "disk":
		diskCfg, err := BuildDiskConfig(cfg)
		if err != nil {
			return nil, err
		}
		diskCfg.Now = clk.Now
		return openDiskStack(diskCfg, logger, clk)
	case "memory", "mem", "":
		objects := memory.NewWithConfig(memory.Config{Now: clk.Now})
		return openObjectStack(ctx, cfg, objects, ObjectStoreLocation{Bucket: objects.DefaultBucket()}, storageLogger, logger, clk)
	case "s3":
		s3cfg, loc, summary, err := BuildGenericS3Config(cfg)
		if err != nil {
			return nil, err
		}
		logger.Info("store.credentials", "scheme", "s3", "source", summary.Source, "access_key", summary.AccessKey, "has_secret", summary.HasSecret)
		objects, err := s3.New(s3cfg)
		if err != nil {
			return nil, err
		}
		return openObjectStack(ctx, cfg, objects, loc, storageLogger, logger, clk)
	case "aws":
		awscfg, loc, summary, err := BuildAWSConfig(cfg)
		if err != nil {
			return nil, err
		}
		logger.Info("store.credentials", "scheme", "aws", "source", summary.Source, "access_key", summary.AccessKey, "has_secret", summary.HasSecret)
		objects, err := awsstore.New(awscfg)
		if err != nil {
			return nil, err
		}
		return openObjectStack(ctx, cfg, objects, loc, storageLogger, logger, clk)
	case "r2":
		r2cfg, loc, err := BuildR2Config(cfg)
		if err != nil {
			return nil, err
		}
		objects, err := awsstore.NewR2(r2cfg)
		if err != nil {
			return nil, err
		}
		return openObjectStack(ctx, cfg, objects, loc, storageLogger, logger, clk)
	case "azure":
		azureCfg, loc, err := BuildAzureConfig(cfg)
		if err != nil {
			return nil, err
		}
		objects, err := azurestore.New(azureCfg)
		if err != nil {
			return nil, err
		}
		return openObjectStack(ctx, cfg, objects, loc, storageLogger, logger, clk)
	default:
		return nil, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
}

func openDiskStack(diskCfg disk.Config, logger pslog.Logger, clk clock.Clock) (*backendStack, error) {
	store, err := disk.New(diskCfg)
	if err != nil {
		return nil, err
	}
	stack := &backendStack{name: disk.BackendName}
	stack.storage = loggingbackend.Wrap(store, logger)
	locks, err := lock.NewFile(store.Root(), loggingutil.WithSubsystem(logger, "lock"))
	if err != nil {
		_ = stack.Close()
		return nil, err
	}
	stack.locks = locks
	stack.sync, err = sourcesync.New(sourcesync.Config{
		Storage: stack.storage,
		Target:  sourcesync.LocalFile{},
		Clock:   clk,
		Logger:  loggingutil.WithSubsystem(logger, "sync"),
	})
	if err != nil {
		_ = stack.Close()
		return nil, err
	}
	notify, err := watch.NewNotify(watch.NotifyConfig{
		Clock:  clk,
		Logger: loggingutil.WithSubsystem(logger, "watch"),
	})
	if err != nil {
		_ = stack.Close()
		return nil, err
	}
	stack.watch = notify
	return stack, nil
}

func openObjectStack(ctx context.Context, cfg Config, objects storage.ObjectStore, loc ObjectStoreLocation, storageLogger, logger pslog.Logger, clk clock.Clock) (*backendStack, error) {
	if err := ensureObjectStoreReady(ctx, objects); err != nil {
		_ = objects.Close()
		return nil, err
	}
	retried := retry.Wrap(objects, storageLogger.With("layer", "retry"), clk, retry.Config{
		MaxAttempts: cfg.StorageRetryMaxAttempts,
		BaseDelay:   cfg.StorageRetryBaseDelay,
		MaxDelay:    cfg.StorageRetryMaxDelay,
		Multiplier:  cfg.StorageRetryMultiplier,
	})
	index, err := openIndexStore(ctx, cfg)
	if err != nil {
		_ = objects.Close()
		return nil, err
	}
	store, err := objectstore.New(objectstore.Config{
		Objects: retried,
		Index:   index,
		Bucket:  loc.Bucket,
		Prefix:  loc.Prefix,
		Now:     clk.Now,
	})
	if err != nil {
		_ = objects.Close()
		_ = index.Close()
		return nil, err
	}
	stack := &backendStack{name: objects.Name()}
	stack.storage = loggingbackend.Wrap(store, logger)
	locks, err := lock.NewKV(lock.KVConfig{
		Store:  index,
		Clock:  clk,
		Logger: loggingutil.WithSubsystem(logger, "lock"),
	})
	if err != nil {
		_ = stack.Close()
		return nil, err
	}
	stack.locks = locks
	defaultBucket := cfg.SyncDefaultBucket
	if defaultBucket == "" {
		defaultBucket = loc.Bucket
	}
	target, err := sourcesync.NewObject(retried, defaultBucket)
	if err != nil {
		_ = stack.Close()
		return nil, err
	}
	stack.sync, err = sourcesync.New(sourcesync.Config{
		Storage: stack.storage,
		Target:  target,
		Clock:   clk,
		Logger:  loggingutil.WithSubsystem(logger, "sync"),
	})
	if err != nil {
		_ = stack.Close()
		return nil, err
	}
	polling, err := watch.NewPolling(watch.PollingConfig{
		Objects:         retried,
		DefaultBucket:   defaultBucket,
		DefaultInterval: cfg.WatchPollInterval,
		Clock:           clk,
		Logger:          loggingutil.WithSubsystem(logger, "watch"),
	})
	if err != nil {
		_ = stack.Close()
		return nil, err
	}
	stack.watch = polling
	return stack, nil
}

// openIndexStore connects the key-value store that holds object-backend
// indexes and lock records.
func openIndexStore(ctx context.Context, cfg Config) (kv.Store, error) {
	u, err := url.Parse(cfg.IndexStore)
	if err != nil {
		return nil, fmt.Errorf("parse index-store URL: %w", err)
	}
	switch u.Scheme {
	case "memory", "mem", "":
		return kv.NewMemory(), nil
	case "cloudflare":
		cfCfg, err := BuildCloudflareConfig(cfg)
		if err != nil {
			return nil, err
		}
		return kv.NewCloudflare(cfCfg)
	case "nats":
		natsCfg, err := BuildNATSConfig(cfg)
		if err != nil {
			return nil, err
		}
		return kv.NewNATS(ctx, natsCfg)
	default:
		return nil, fmt.Errorf("index-store scheme %q not supported", u.Scheme)
	}
}

// BuildDiskConfig parses disk:// URLs into a disk.Config.
func BuildDiskConfig(cfg Config) (disk.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return disk.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "disk" {
		return disk.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	pathPart := strings.TrimSpace(u.Path)
	if host := strings.TrimSpace(u.Host); host != "" {
		// disk://~/docs and disk://relative/dir put the first segment in Host.
		pathPart = host + "/" + strings.TrimPrefix(pathPart, "/")
		if !strings.HasPrefix(host, "~") && !strings.HasPrefix(host, "$") && !strings.HasPrefix(host, ".") {
			pathPart = "/" + pathPart
		}
	}
	if pathPart == "" || pathPart == "/" {
		return disk.Config{}, fmt.Errorf("disk store path required (e.g. disk:///var/lib/docstore)")
	}
	expanded, err := pathutil.ExpandUserAndEnv(pathPart)
	if err != nil {
		return disk.Config{}, fmt.Errorf("expand disk store path: %w", err)
	}
	return disk.Config{Root: filepath.Clean(expanded)}, nil
}

// BuildGenericS3Config parses s3:// URLs that target generic S3-compatible
// services such as MinIO.
func BuildGenericS3Config(cfg Config) (s3.Config, ObjectStoreLocation, CredentialSummary, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return s3.Config{}, ObjectStoreLocation{}, CredentialSummary{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "s3" {
		return s3.Config{}, ObjectStoreLocation{}, CredentialSummary{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	endpoint := strings.TrimSpace(u.Host)
	if endpoint == "" {
		return s3.Config{}, ObjectStoreLocation{}, CredentialSummary{}, fmt.Errorf("s3 store missing host (expected s3://host[:port]/bucket[/prefix])")
	}
	loc, err := bucketAndPrefix(u.Path)
	if err != nil {
		return s3.Config{}, ObjectStoreLocation{}, CredentialSummary{}, fmt.Errorf("s3 store %w (expected s3://host[:port]/bucket[/prefix])", err)
	}
	query := u.Query()
	secure := true
	if strings.EqualFold(query.Get("scheme"), "http") {
		secure = false
	}
	if queryBool(query, "insecure") {
		secure = false
	}
	accessKey := firstEnv("DOCSTORE_S3_ACCESS_KEY_ID", "MINIO_ROOT_USER")
	secretKey := firstEnv("DOCSTORE_S3_SECRET_ACCESS_KEY", "MINIO_ROOT_PASSWORD")
	summary := CredentialSummary{AccessKey: accessKey, HasSecret: secretKey != "", Source: "chain:env,aws-file,iam"}
	if accessKey != "" || secretKey != "" {
		if accessKey == "" || secretKey == "" {
			return s3.Config{}, loc, summary, fmt.Errorf("s3 credentials incomplete (need access key and secret key)")
		}
		summary.Source = "env"
	}
	return s3.Config{
		Endpoint:       endpoint,
		Region:         strings.TrimSpace(query.Get("region")),
		Bucket:         loc.Bucket,
		Insecure:       !secure,
		ForcePathStyle: queryBool(query, "path-style"),
		AccessKey:      accessKey,
		SecretKey:      secretKey,
	}, loc, summary, nil
}

// BuildAWSConfig parses aws://bucket[/prefix] URLs.
func BuildAWSConfig(cfg Config) (awsstore.Config, ObjectStoreLocation, CredentialSummary, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return awsstore.Config{}, ObjectStoreLocation{}, CredentialSummary{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "aws" {
		return awsstore.Config{}, ObjectStoreLocation{}, CredentialSummary{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	bucket := strings.TrimSpace(u.Host)
	if bucket == "" {
		return awsstore.Config{}, ObjectStoreLocation{}, CredentialSummary{}, fmt.Errorf("aws store missing bucket (expected aws://bucket[/prefix])")
	}
	loc := ObjectStoreLocation{Bucket: bucket, Prefix: strings.Trim(u.Path, "/")}
	query := u.Query()
	region := strings.TrimSpace(query.Get("region"))
	if region == "" {
		region = firstEnv("AWS_REGION", "AWS_DEFAULT_REGION")
	}
	if region == "" {
		return awsstore.Config{}, loc, CredentialSummary{}, fmt.Errorf("aws store requires region (set ?region= or AWS_REGION)")
	}
	return awsstore.Config{
		Endpoint:       strings.TrimSpace(query.Get("endpoint")),
		Region:         region,
		Bucket:         bucket,
		Insecure:       queryBool(query, "insecure"),
		ForcePathStyle: queryBool(query, "path-style"),
	}, loc, resolveAWSCredentials(), nil
}

// BuildR2Config parses r2://account/bucket[/prefix] URLs. Credentials come
// from R2_ACCESS_KEY_ID and R2_SECRET_ACCESS_KEY.
func BuildR2Config(cfg Config) (awsstore.R2Config, ObjectStoreLocation, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return awsstore.R2Config{}, ObjectStoreLocation{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "r2" {
		return awsstore.R2Config{}, ObjectStoreLocation{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	account := strings.TrimSpace(u.Host)
	if account == "" {
		account = firstEnv("R2_ACCOUNT_ID", "CLOUDFLARE_ACCOUNT_ID")
	}
	if account == "" {
		return awsstore.R2Config{}, ObjectStoreLocation{}, fmt.Errorf("r2 store missing account (expected r2://account/bucket[/prefix])")
	}
	loc, err := bucketAndPrefix(u.Path)
	if err != nil {
		return awsstore.R2Config{}, ObjectStoreLocation{}, fmt.Errorf("r2 store %w (expected r2://account/bucket[/prefix])", err)
	}
	accessKey := firstEnv("R2_ACCESS_KEY_ID")
	secretKey := firstEnv("R2_SECRET_ACCESS_KEY")
	if accessKey == "" || secretKey == "" {
		return awsstore.R2Config{}, loc, fmt.Errorf("r2 store requires R2_ACCESS_KEY_ID and R2_SECRET_ACCESS_KEY")
	}
	return awsstore.R2Config{
		AccountID:       account,
		Bucket:          loc.Bucket,
		AccessKeyID:     accessKey,
		SecretAccessKey: secretKey,
		Endpoint:        strings.TrimSpace(u.Query().Get("endpoint")),
	}, loc, nil
}

// BuildAzureConfig parses azure://account/container[/prefix] URLs.
func BuildAzureConfig(cfg Config) (azurestore.Config, ObjectStoreLocation, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return azurestore.Config{}, ObjectStoreLocation{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "azure" {
		return azurestore.Config{}, ObjectStoreLocation{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	account := strings.TrimSpace(u.Host)
	if account == "" {
		account = firstEnv("AZURE_STORAGE_ACCOUNT", "AZURE_STORAGE_ACCOUNT_NAME", "AZURE_ACCOUNT_NAME")
	}
	if account == "" {
		return azurestore.Config{}, ObjectStoreLocation{}, fmt.Errorf("azure: account name required (set azure://account/... or AZURE_STORAGE_ACCOUNT)")
	}
	loc, err := bucketAndPrefix(u.Path)
	if err != nil {
		return azurestore.Config{}, ObjectStoreLocation{}, fmt.Errorf("azure store %w (expected azure://account/container[/prefix])", err)
	}
	query := u.Query()
	sas := strings.TrimSpace(query.Get("sas"))
	if sas == "" {
		sas = firstEnv("DOCSTORE_AZURE_SAS_TOKEN", "AZURE_STORAGE_SAS_TOKEN", "AZURE_SAS_TOKEN")
	}
	return azurestore.Config{
		Account:    account,
		AccountKey: firstEnv("DOCSTORE_AZURE_ACCOUNT_KEY", "AZURE_STORAGE_KEY", "AZURE_STORAGE_ACCOUNT_KEY", "AZURE_ACCOUNT_KEY"),
		Endpoint:   strings.TrimSpace(query.Get("endpoint")),
		SASToken:   sas,
		Container:  loc.Bucket,
	}, loc, nil
}

// BuildCloudflareConfig parses cloudflare://account/namespace index-store URLs.
func BuildCloudflareConfig(cfg Config) (kv.CloudflareConfig, error) {
	u, err := url.Parse(cfg.IndexStore)
	if err != nil {
		return kv.CloudflareConfig{}, fmt.Errorf("parse index-store URL: %w", err)
	}
	if u.Scheme != "cloudflare" {
		return kv.CloudflareConfig{}, fmt.Errorf("index-store scheme %q not supported", u.Scheme)
	}
	account := strings.TrimSpace(u.Host)
	namespace := strings.Trim(u.Path, "/")
	if account == "" || namespace == "" || strings.Contains(namespace, "/") {
		return kv.CloudflareConfig{}, fmt.Errorf("cloudflare index-store expects cloudflare://account/namespace")
	}
	token := firstEnv("CLOUDFLARE_API_TOKEN")
	if token == "" {
		return kv.CloudflareConfig{}, fmt.Errorf("cloudflare index-store requires CLOUDFLARE_API_TOKEN")
	}
	return kv.CloudflareConfig{
		AccountID:   account,
		NamespaceID: namespace,
		APIToken:    token,
		BaseURL:     strings.TrimSpace(u.Query().Get("api")),
	}, nil
}

// BuildNATSConfig parses nats://host:port/bucket index-store URLs.
func BuildNATSConfig(cfg Config) (kv.NATSConfig, error) {
	u, err := url.Parse(cfg.IndexStore)
	if err != nil {
		return kv.NATSConfig{}, fmt.Errorf("parse index-store URL: %w", err)
	}
	if u.Scheme != "nats" {
		return kv.NATSConfig{}, fmt.Errorf("index-store scheme %q not supported", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return kv.NATSConfig{}, fmt.Errorf("nats index-store missing host (expected nats://host:port/bucket)")
	}
	bucket := strings.Trim(u.Path, "/")
	if bucket == "" || strings.Contains(bucket, "/") {
		return kv.NATSConfig{}, fmt.Errorf("nats index-store expects nats://host:port/bucket")
	}
	server := url.URL{Scheme: "nats", Host: u.Host, User: u.User}
	return kv.NATSConfig{
		URL:       server.String(),
		Bucket:    bucket,
		CredsFile: firstEnv("NATS_CREDS"),
	}, nil
}

func bucketAndPrefix(path string) (ObjectStoreLocation, error) {
	path = strings.Trim(path, "/")
	if path == "" {
		return ObjectStoreLocation{}, fmt.Errorf("missing bucket")
	}
	bucket, prefix, _ := strings.Cut(path, "/")
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return ObjectStoreLocation{}, fmt.Errorf("missing bucket name")
	}
	return ObjectStoreLocation{Bucket: bucket, Prefix: strings.Trim(prefix, "/")}, nil
}

func queryBool(query url.Values, key string) bool {
	v := query.Get(key)
	if v == "" {
		return false
	}
	ok, err := strconv.ParseBool(v)
	return err == nil && ok
}

func resolveAWSCredentials() CredentialSummary {
	summary := CredentialSummary{}
	if access := strings.TrimSpace(os.Getenv("AWS_ACCESS_KEY_ID")); access != "" {
		summary.AccessKey = access
		summary.HasSecret = strings.TrimSpace(os.Getenv("AWS_SECRET_ACCESS_KEY")) != ""
		summary.Source = "env:AWS_ACCESS_KEY_ID"
	} else if profile := strings.TrimSpace(os.Getenv("AWS_PROFILE")); profile != "" {
		summary.Source = "profile:" + profile
	} else {
		summary.Source = "auto"
	}
	return summary
}

type bucketChecker interface {
	BucketExists(ctx context.Context) (bool, error)
}

func ensureObjectStoreReady(ctx context.Context, objects storage.ObjectStore) error {
	checker, ok := objects.(bucketChecker)
	if !ok {
		return nil
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, readinessTimeout)
	defer cancel()
	exists, err := checker.BucketExists(timeoutCtx)
	if err != nil {
		return fmt.Errorf("object store connectivity check failed: %w", err)
	}
	if !exists {
		return fmt.Errorf("object store bucket %s does not exist", objects.DefaultBucket())
	}
	return nil
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if name == "" {
			continue
		}
		if val := strings.TrimSpace(os.Getenv(name)); val != "" {
			return val
		}
	}
	return ""
}
