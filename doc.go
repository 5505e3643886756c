// Package docstore is the storage service behind a collaborative document
// editor. It persists per-session document snapshots, an append-only
// write-ahead log of JSON patches, numbered checkpoints and a per-tenant
// session index, and it serves them over gRPC together with named locks,
// sync-to-source and external change watching.
//
// # Running a server
//
// The server listens on the network given by Config.ListenProto (tcp or
// unix) and address Config.Listen. Config.Store selects the backend:
//
//	disk:///var/lib/docstore                  local filesystem (default under $XDG_DATA_HOME)
//	mem://                                    in-process, for tests and development
//	s3://minio:9000/bucket/prefix?insecure=1  S3-compatible services through minio-go
//	aws://bucket/prefix?region=eu-north-1     AWS S3 through aws-sdk-go-v2
//	r2://account/bucket/prefix                Cloudflare R2
//	azure://account/container/prefix          Azure Blob Storage
//
// Object stores keep their session index and lock records in the key-value
// store named by Config.IndexStore (mem://, cloudflare://account/namespace or
// nats://host:4222/bucket).
//
//	cfg := docstore.Config{Store: "disk:///var/lib/docstore"}
//	srv, stop, err := docstore.StartServer(ctx, cfg, docstore.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	defer stop(context.Background())
//	log.Printf("listening on %s", srv.ListenerAddr())
//
// # Clients
//
// RPCs use a JSON codec registered under the "json" content subtype. The
// internal/service package provides a typed client; see the docstore binary's
// client subcommands for examples.
//
// # Lifecycle
//
// Shutdown marks every service NOT_SERVING on the standard gRPC health
// service, drains in-flight RPCs until the context expires and then closes
// the storage stack. With Config.ParentPID set the server also shuts down
// once that process exits.
package docstore
