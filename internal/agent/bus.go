package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
)

// Dispatch 是入站消息的唯一分发入口。from 为发送方页面 ID，可为空；
// reply 为调用方提供的回复通道，仅 CLEAR_CACHE 会写入。
func (c *Coordinator) Dispatch(ctx context.Context, from string, cmd Command, reply chan<- Reply) error {
	if cmd == nil {
		return ErrUnknownMessage
	}
	ev := newEvent(ctx, "message")

	switch cmd.(type) {
	case SkipWaiting:
		ev.WaitUntil(c.SkipWaiting)
	case ClearCache:
		ev.WaitUntil(func(ctx context.Context) error {
			if _, err := c.ClearAll(ctx); err != nil {
				return err
			}
			return sendReply(ctx, reply, Reply{Success: true})
		})
	case CheckUpdate:
		ev.WaitUntil(func(ctx context.Context) error {
			_ = c.checkForUpdate(ctx, MessageUpdateAvailable)
			return nil
		})
	case WhiteScreenDetected:
		ev.WaitUntil(func(ctx context.Context) error {
			if _, err := c.ClearAll(ctx); err != nil {
				return err
			}
			c.clients.Broadcast(cacheClearedMessage())
			return nil
		})
	default:
		c.logger.WithFields(logrus.Fields{
			"action":       "message",
			"message_type": cmd.Type(),
			"client_id":    from,
		}).Warn("unknown message ignored")
		return fmt.Errorf("%w: %q", ErrUnknownMessage, cmd.Type())
	}

	err := ev.Wait()
	fields := logrus.Fields{
		"action":       "message",
		"message_type": cmd.Type(),
		"client_id":    from,
	}
	if err != nil {
		c.metrics.ObserveLifecycle("message", "failed")
		c.logger.WithFields(fields).WithError(err).Error("message_failed")
		return err
	}
	c.metrics.ObserveLifecycle("message", "ok")
	c.logger.WithFields(fields).Info("message_handled")
	return nil
}

func sendReply(ctx context.Context, reply chan<- Reply, r Reply) error {
	if reply == nil {
		return nil
	}
	select {
	case reply <- r:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var errVersionCheck = errors.New("version check failed")

// checkForUpdate 直接从网络读取版本信息并广播；任何失败只记录日志，不广播。
func (c *Coordinator) checkForUpdate(ctx context.Context, kind MessageType) error {
	target := c.opts.Origin + c.opts.VersionEndpoint
	resp, err := c.network.Fetch(ctx, &Request{
		Method: http.MethodGet,
		URL:    target,
		Header: http.Header{"Accept": []string{"application/json"}},
	})
	if err == nil && !resp.OK() {
		err = fmt.Errorf("%w: status %d", errVersionCheck, resp.Status)
	}
	if err == nil && !json.Valid(resp.Body) {
		err = fmt.Errorf("%w: response is not JSON", errVersionCheck)
	}
	if err != nil {
		c.logger.WithError(err).WithFields(logrus.Fields{
			"action": "version_check",
			"url":    target,
		}).Warn("version_check_failed")
		return err
	}

	data := json.RawMessage(append([]byte(nil), resp.Body...))
	var msg Outbound
	if kind == MessageUpdateCheck {
		msg = updateCheckMessage(data)
	} else {
		msg = updateAvailableMessage(data, c.CurrentVersion())
	}
	delivered := c.clients.Broadcast(msg)
	c.logger.WithFields(logrus.Fields{
		"action":       "version_check",
		"message_type": msg.Type,
		"delivered":    delivered,
	}).Info("version_check_broadcast")
	return nil
}
