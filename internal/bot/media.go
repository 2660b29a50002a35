package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ashureev/tgrelay/internal/quota"
	"github.com/ashureev/tgrelay/internal/telegram"
)

const imageTurnPrefix = "[Image]"

// handleAudio transcribes a voice note or audio file and answers the text.
func (d *Dispatcher) handleAudio(ctx context.Context, logger *slog.Logger, in *incoming, caps Capabilities) error {
	if caps.Transcriber == nil {
		if err := d.send(ctx, logger, in.chatID, msgVoiceUnsupported, nil); err != nil {
			return errors.Join(&UnsupportedCapabilityError{Capability: "audio transcription"}, err)
		}
		return &UnsupportedCapabilityError{Capability: "audio transcription"}
	}

	var fileID, name string
	var size int64
	if v := in.msg.Voice; v != nil {
		fileID, size = v.FileID, v.FileSize
	} else {
		fileID, size, name = in.msg.Audio.FileID, in.msg.Audio.FileSize, in.msg.Audio.FileName
	}

	if sess, exhausted := d.quotaExhausted(ctx, in.userID); exhausted {
		return d.sendLimitReached(ctx, logger, in, sess)
	}

	data, fileName, err := d.download(ctx, logger, in, fileID, size)
	if err != nil {
		return err
	}
	if name == "" {
		name = fileName
	}

	d.chatAction(ctx, logger, in.chatID, telegram.ActionTyping)
	text, err := d.generate(ctx, func(gctx context.Context) (string, error) {
		return caps.Transcriber.TranscribeAudio(gctx, data, name)
	})
	if errors.Is(err, ErrEmptyResponse) {
		logger.Info("Transcription produced no text")
		return d.send(ctx, logger, in.chatID, msgEmptyTranscript, nil)
	}
	if err != nil {
		logger.Error("Transcription failed", "error", err)
		d.replyApology(ctx, logger, in)
		return err
	}
	logger.Info("Transcribed audio", "bytes", len(data), "chars", len(text))

	return d.handleText(ctx, logger, in, caps, text)
}

// handlePhoto answers a photo and its caption with a vision request.
func (d *Dispatcher) handlePhoto(ctx context.Context, logger *slog.Logger, in *incoming, caps Capabilities) error {
	if caps.Vision == nil {
		if err := d.send(ctx, logger, in.chatID, msgPhotoUnsupported, nil); err != nil {
			return errors.Join(&UnsupportedCapabilityError{Capability: "vision"}, err)
		}
		return &UnsupportedCapabilityError{Capability: "vision"}
	}

	if sess, exhausted := d.quotaExhausted(ctx, in.userID); exhausted {
		return d.sendLimitReached(ctx, logger, in, sess)
	}

	photo := in.msg.LargestPhoto()
	data, _, err := d.download(ctx, logger, in, photo.FileID, photo.FileSize)
	if err != nil {
		return err
	}

	d.chatAction(ctx, logger, in.chatID, telegram.ActionTyping)
	caption := in.msg.Caption
	turn := imageTurnPrefix
	if caption != "" {
		turn += " " + caption
	}
	sess, decision, err := d.admitTurn(ctx, in.userID, turn)
	if err != nil {
		d.replyApology(ctx, logger, in)
		return fmt.Errorf("record user message: %w", err)
	}
	if decision == quota.Denied {
		return d.sendLimitReached(ctx, logger, in, sess)
	}

	// The stored turn is a text placeholder; the model gets the image itself.
	history := sess.History[:len(sess.History)-1]
	reply, err := d.generate(ctx, func(gctx context.Context) (string, error) {
		return caps.Vision.GenerateWithImage(gctx, history, data, "image/jpeg", caption)
	})
	if err != nil {
		logger.Error("Vision generation failed", "error", err)
		d.replyApology(ctx, logger, in)
		return err
	}
	return d.deliverReply(ctx, logger, in, caps, reply)
}

// download fetches a media file, enforcing the size limit both on the
// advertised size and on the bytes actually read.
func (d *Dispatcher) download(ctx context.Context, logger *slog.Logger, in *incoming, fileID string, size int64) ([]byte, string, error) {
	limit := d.cfg.MaxMediaBytes
	if size > limit {
		logger.Info("Rejecting oversized media", "size", size, "limit", limit)
		return nil, "", d.rejectOversize(ctx, logger, in, size)
	}

	data, name, err := d.ch.DownloadFile(ctx, fileID, limit)
	if errors.Is(err, telegram.ErrFileTooLarge) {
		logger.Info("Rejecting oversized media", "limit", limit, "error", err)
		return nil, "", d.rejectOversize(ctx, logger, in, 0)
	}
	if err != nil {
		d.replyApology(ctx, logger, in)
		return nil, "", fmt.Errorf("download media: %w", err)
	}
	return data, name, nil
}

func (d *Dispatcher) rejectOversize(ctx context.Context, logger *slog.Logger, in *incoming, size int64) error {
	oversize := &OversizeMediaError{Size: size, Limit: d.cfg.MaxMediaBytes}
	if err := d.send(ctx, logger, in.chatID, oversizeText(size, d.cfg.MaxMediaBytes), nil); err != nil {
		return errors.Join(oversize, err)
	}
	return oversize
}
