package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"tonearm/internal/audiofile"
	"tonearm/internal/cache"
	"tonearm/internal/channel"
	"tonearm/internal/chunkstream"
	"tonearm/internal/config"
	"tonearm/internal/fileutil"
	"tonearm/internal/logging"
	"tonearm/internal/streamid"
	"tonearm/internal/transport"
)

func newFetchCommand(ctx *commandContext) *cobra.Command {
	var outputPath string
	var keyHex string
	var noCache bool

	cmd := &cobra.Command{
		Use:   "fetch <stream-id>",
		Short: "Stream one media item into a local file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := streamid.Parse(args[0])
			if err != nil {
				return err
			}
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.logger("cli-fetch")
			if err != nil {
				return err
			}
			dec, err := decryptorFor(keyHex)
			if err != nil {
				return err
			}

			target := strings.TrimSpace(outputPath)
			if target == "" {
				target = id.String()
			}
			if target, err = config.ExpandPath(target); err != nil {
				return err
			}

			correlationID := uuid.NewString()
			runCtx := logging.WithCorrelationID(cmd.Context(), correlationID)

			started := time.Now()
			written, err := fetchStream(runCtx, cfg, logger, fetchRequest{
				id:      id,
				target:  target,
				dec:     dec,
				noCache: noCache,
			})
			if err != nil {
				return err
			}
			elapsed := time.Since(started)
			rate := ""
			if seconds := elapsed.Seconds(); seconds > 0 {
				rate = fmt.Sprintf(" at %s/s", humanize.IBytes(uint64(float64(written)/seconds)))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s to %s in %s%s\n",
				humanize.IBytes(uint64(written)),
				target,
				elapsed.Round(time.Millisecond),
				rate,
			)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Destination file (default: ./<stream-id>)")
	cmd.Flags().StringVar(&keyHex, "key", "", "Hex AES audio key; omit for unencrypted content")
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "Bypass the chunk cache")
	return cmd
}

type fetchRequest struct {
	id      streamid.StreamID
	target  string
	dec     audiofile.Decryptor
	noCache bool
}

func decryptorFor(keyHex string) (audiofile.Decryptor, error) {
	keyHex = strings.TrimSpace(keyHex)
	if keyHex == "" {
		return audiofile.NopDecryptor{}, nil
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("--key: %w", err)
	}
	return audiofile.NewAESDecryptor(key)
}

// fetchStream wires cache, access point and CDN into a loader and copies
// the stream to req.target.
func fetchStream(ctx context.Context, cfg *config.Config, logger *slog.Logger, req fetchRequest) (int64, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	opts := []audiofile.Option{audiofile.WithLogger(logger)}

	if !req.noCache {
		manager, err := cache.NewManager(ctx, cfg, logger)
		if err != nil {
			return 0, fmt.Errorf("open cache: %w", err)
		}
		if manager != nil {
			defer manager.Close()
			opts = append(opts, audiofile.WithCache(manager))
		}
	}

	if cfg.Transport.Address != "" {
		channels, stop, err := dialChannels(ctx, cfg, logger)
		if err != nil {
			return 0, err
		}
		defer stop()
		opts = append(opts, audiofile.WithChannels(channels))
	}

	if cdn := audiofile.CDNFromConfig(cfg); cdn != nil {
		opts = append(opts, audiofile.WithCDN(cdn))
	}

	streamOpts := chunkstream.OptionsFromConfig(cfg)
	streamOpts.Listener = haltLogger{logger: logger}
	opts = append(opts, audiofile.WithStreamOptions(streamOpts))

	file, err := audiofile.NewLoader(opts...).Open(ctx, req.id, req.dec)
	if err != nil {
		if errors.Is(err, audiofile.ErrNoSource) {
			return 0, errors.New("no chunk source configured: set [transport] address or enable [cdn]")
		}
		return 0, err
	}
	defer file.Close()
	// Reads block on the network; closing the stream is what unblocks them.
	stopClose := context.AfterFunc(ctx, func() { _ = file.Close() })
	defer stopClose()

	result, err := fileutil.WriteAtomic(req.target, file, 0o644)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result.Bytes, ctxErr
		}
		return result.Bytes, fmt.Errorf("write %s: %w", req.id, err)
	}
	written := result.Bytes
	logging.WithContext(ctx, logger).Info("stream fetched",
		logging.String(logging.FieldStreamID, req.id.String()),
		logging.Int64("bytes", written),
		logging.Int("chunks", file.Chunks()),
		logging.String("sha256", hex.EncodeToString(result.SHA256)),
	)
	return written, nil
}

// dialChannels connects to the access point and starts the channel
// receive loop. stop tears both down.
func dialChannels(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*channel.Manager, func(), error) {
	sendKey, err := cfg.SendKey()
	if err != nil {
		return nil, nil, err
	}
	recvKey, err := cfg.RecvKey()
	if err != nil {
		return nil, nil, err
	}
	dialer := net.Dialer{Timeout: cfg.DialTimeout()}
	netConn, err := dialer.DialContext(ctx, "tcp", cfg.Transport.Address)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to access point %s: %w", cfg.Transport.Address, err)
	}

	conn := transport.NewConn(netConn, sendKey, recvKey, transport.WithLogger(logger))
	manager := channel.NewManager(conn, channel.WithLogger(logger))
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := manager.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, transport.ErrClosed) {
			logger.Debug("channel receive loop stopped", logging.Error(err))
		}
	}()
	logger.Debug("connected to access point",
		logging.String("address", cfg.Transport.Address),
		logging.String(logging.FieldSessionID, conn.SessionID()),
	)
	stop := func() {
		cancel()
		_ = manager.Close()
		<-done
	}
	return manager, stop, nil
}

// haltLogger reports playback stalls.
type haltLogger struct {
	logger *slog.Logger
}

func (h haltLogger) StreamHalted(chunk int, waited time.Duration) {
	h.logger.Info("stream halted waiting for chunk",
		logging.Int(logging.FieldChunkIndex, chunk),
		logging.Duration("waited", waited),
	)
}

func (h haltLogger) StreamResumed(chunk int, stalled time.Duration) {
	h.logger.Info("stream resumed",
		logging.Int(logging.FieldChunkIndex, chunk),
		logging.Duration("stalled", stalled),
	)
}
