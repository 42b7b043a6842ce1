package bootstrap

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/psantana5/recogpool/pkg/broker"
	"github.com/psantana5/recogpool/pkg/fleet"
	"github.com/psantana5/recogpool/pkg/logging"
	"github.com/psantana5/recogpool/pkg/shutdown"
	"github.com/psantana5/recogpool/pkg/storage"
	"github.com/psantana5/recogpool/pkg/worker"
)

// Queues is the job queue and the result queue
type Queues struct {
	Jobs    broker.Broker
	Results broker.Broker
}

// OpenQueues connects both queues on the configured broker and registers
// their cleanup with the shutdown manager.
func (rt *Runtime) OpenQueues(ctx context.Context) (*Queues, error) {
	bc := rt.Config.Broker
	log := rt.Logger.WithFields(logging.Fields{"broker": bc.Type, "job_queue": bc.JobQueue, "result_queue": bc.ResultQueue})

	var q Queues
	switch bc.Type {
	case "memory":
		if rt.component != "local" {
			log.Warn("Memory broker is process-local; other processes will not see these queues")
		}
		q.Jobs = broker.NewMemoryBroker(bc.JobQueue)
		q.Results = broker.NewMemoryBroker(bc.ResultQueue)
		rt.Shutdown.Register("job queue", shutdown.CloseResource(q.Jobs, "job queue"))
		rt.Shutdown.Register("result queue", shutdown.CloseResource(q.Results, "result queue"))

	case "badger":
		if err := os.MkdirAll(bc.Path, 0755); err != nil {
			return nil, fmt.Errorf("failed to create broker dir: %w", err)
		}
		db, err := broker.OpenBadger(bc.Path)
		if err != nil {
			return nil, err
		}
		rt.Shutdown.Register("badger", shutdown.CloseResource(db, "badger"))
		if q.Jobs, err = broker.NewBadgerBroker(db, bc.JobQueue, false); err != nil {
			return nil, err
		}
		if q.Results, err = broker.NewBadgerBroker(db, bc.ResultQueue, false); err != nil {
			return nil, err
		}

	case "sqlite", "postgres":
		if bc.Type == "sqlite" {
			if dir := filepath.Dir(bc.DSN); dir != "." {
				if err := os.MkdirAll(dir, 0755); err != nil {
					return nil, fmt.Errorf("failed to create database dir: %w", err)
				}
			}
		}
		db, postgres, err := broker.OpenSQL(broker.SQLConfig{Type: bc.Type, DSN: bc.DSN})
		if err != nil {
			return nil, err
		}
		// both queues share the handle, so close it once
		rt.Shutdown.Register("database", shutdown.CloseResource(db, "database"))
		if q.Jobs, err = broker.NewSQLBrokerFromDB(db, postgres, bc.JobQueue); err != nil {
			return nil, err
		}
		if q.Results, err = broker.NewSQLBrokerFromDB(db, postgres, bc.ResultQueue); err != nil {
			return nil, err
		}

	case "sqs":
		awsCfg, err := rt.awsConfig(ctx, bc.Region)
		if err != nil {
			return nil, err
		}
		client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
			if bc.Endpoint != "" {
				o.BaseEndpoint = aws.String(bc.Endpoint)
			}
		})
		if q.Jobs, err = broker.NewSQSBroker(ctx, client, bc.JobQueue); err != nil {
			return nil, err
		}
		if q.Results, err = broker.NewSQSBroker(ctx, client, bc.ResultQueue); err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("unsupported broker type %q", bc.Type)
	}

	log.Info("Queues ready")
	return &q, nil
}

// Stores is the payload store and the outcome store
type Stores struct {
	Inputs  storage.Store
	Outputs storage.Store
}

// OpenStores connects the input and output stores
func (rt *Runtime) OpenStores(ctx context.Context) (*Stores, error) {
	sc := rt.Config.Storage
	var s Stores
	var err error

	switch sc.Type {
	case "memory":
		s.Inputs, s.Outputs = storage.NewMemoryStore(), storage.NewMemoryStore()
	case "fs":
		if s.Inputs, err = storage.NewFSStore(filepath.Join(sc.Dir, sc.InputBucket)); err != nil {
			return nil, err
		}
		if s.Outputs, err = storage.NewFSStore(filepath.Join(sc.Dir, sc.OutputBucket)); err != nil {
			return nil, err
		}
	case "s3":
		base := storage.S3Config{
			Endpoint:  sc.Endpoint,
			Region:    sc.Region,
			AccessKey: sc.AccessKey,
			SecretKey: sc.SecretKey,
			UseSSL:    sc.UseSSL,
			Create:    sc.CreateBuckets,
		}
		in, out := base, base
		in.Bucket, out.Bucket = sc.InputBucket, sc.OutputBucket
		if s.Inputs, err = storage.NewS3Store(ctx, in); err != nil {
			return nil, err
		}
		if s.Outputs, err = storage.NewS3Store(ctx, out); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported storage type %q", sc.Type)
	}

	rt.Logger.Info("Stores ready", logging.Fields{"storage": sc.Type, "inputs": sc.InputBucket, "outputs": sc.OutputBucket})
	return &s, nil
}

// NewFleet builds the instance manager. run is only used by the local
// fleet, whose instances are in-process worker loops.
func (rt *Runtime) NewFleet(ctx context.Context, run fleet.RunFunc) (fleet.Manager, error) {
	fc := rt.Config.Fleet
	switch fc.Type {
	case "memory":
		return fleet.NewMemoryFleet(nil, nil), nil
	case "local":
		if run == nil {
			return nil, fmt.Errorf("local fleet needs a worker to run")
		}
		f := fleet.NewLocalFleet(rt.Context(), rt.Config.LocalSlots(), run, rt.Logger)
		done := make(chan struct{})
		go func() {
			<-rt.Shutdown.Done()
			f.Wait()
			close(done)
		}()
		rt.Shutdown.Register("local fleet", shutdown.WaitFor(done, "local fleet"))
		return f, nil
	case "ec2":
		awsCfg, err := rt.awsConfig(ctx, fc.Region)
		if err != nil {
			return nil, err
		}
		return fleet.NewEC2Fleet(ec2.NewFromConfig(awsCfg), fleet.EC2Filter{ImageID: fc.ImageID, Tag: fc.Tag})
	default:
		return nil, fmt.Errorf("unsupported fleet type %q", fc.Type)
	}
}

func (rt *Runtime) awsConfig(ctx context.Context, region string) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return cfg, nil
}

// NewProcessor returns the configured recognizer
func (rt *Runtime) NewProcessor() (worker.Processor, error) {
	pc := rt.Config.Processor
	if strings.TrimSpace(pc.Command) == "" {
		return nil, fmt.Errorf("processor.command is required to run workers")
	}
	return &worker.ExecProcessor{Command: pc.Command, Args: pc.Args, Timeout: pc.Timeout}, nil
}

// NewWorker wires a worker loop with the given id (empty picks the host default)
func (rt *Runtime) NewWorker(id string, q *Queues, s *Stores, proc worker.Processor) (*worker.Loop, error) {
	if id == "" {
		id = rt.Config.WorkerID
	}
	return worker.New(q.Jobs, q.Results, s.Inputs, s.Outputs, proc, worker.Config{
		WorkerID:          id,
		ClaimWait:         rt.Config.ClaimWait,
		VisibilityTimeout: rt.Config.VisibilityTimeout,
		IdleTimeout:       rt.Config.IdleTimeout,
		WorkDir:           filepath.Join(rt.Config.WorkDir, workDirName(id)),
		Logger:            rt.Logger,
		Metrics:           rt.Metrics,
		Tracer:            rt.Tracer,
	})
}

func workDirName(id string) string {
	if id == "" {
		return "default"
	}
	return strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(id)
}
