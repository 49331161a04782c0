package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrNotificationNotFound is returned when a click targets an unknown or already dismissed notification.
var ErrNotificationNotFound = errors.New("notification not found")

// PushPayload 是推送消息正文，缺失字段使用默认值。
type PushPayload struct {
	Title   string `json:"title"`
	Body    string `json:"body"`
	URL     string `json:"url"`
	Version string `json:"version"`
}

type NotificationData struct {
	URL     string `json:"url"`
	Version string `json:"version"`
}

// Notification 是一条已展示、尚未被点击关闭的通知。
type Notification struct {
	ID        string           `json:"id"`
	Title     string           `json:"title"`
	Body      string           `json:"body"`
	Data      NotificationData `json:"data"`
	CreatedAt time.Time        `json:"created_at"`
}

// Notifier 负责把通知展示给用户。
type Notifier interface {
	Show(ctx context.Context, n Notification) error
}

// WindowOpener 在没有匹配页面时打开新窗口。
type WindowOpener interface {
	OpenWindow(ctx context.Context, url string) error
}

// ClickResult 描述点击通知后的处理方式。
type ClickResult struct {
	Action   string `json:"action"`
	URL      string `json:"url"`
	ClientID string `json:"client_id,omitempty"`
}

const (
	ClickActionFocus      = "focus"
	ClickActionOpenWindow = "open_window"
)

// notificationCenter 保存已展示的通知，点击后移除。
type notificationCenter struct {
	mu    sync.Mutex
	items map[string]Notification
}

func newNotificationCenter() *notificationCenter {
	return &notificationCenter{items: make(map[string]Notification)}
}

func (c *notificationCenter) add(n Notification) {
	c.mu.Lock()
	c.items[n.ID] = n
	c.mu.Unlock()
}

func (c *notificationCenter) take(id string) (Notification, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.items[id]
	if ok {
		delete(c.items, id)
	}
	return n, ok
}

func (c *notificationCenter) list() []Notification {
	c.mu.Lock()
	out := make([]Notification, 0, len(c.items))
	for _, n := range c.items {
		out = append(out, n)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// LogNotifier 仅记录日志，适用于无桌面环境的部署。
type LogNotifier struct {
	Logger *logrus.Logger
}

func (n LogNotifier) Show(_ context.Context, notification Notification) error {
	if n.Logger != nil {
		n.Logger.WithFields(logrus.Fields{
			"action":          "show_notification",
			"notification_id": notification.ID,
			"title":           notification.Title,
			"url":             notification.Data.URL,
		}).Info("notification shown")
	}
	return nil
}

// RecordingOpener 记录被请求打开的 URL，诊断接口会展示这些记录。
type RecordingOpener struct {
	Logger *logrus.Logger

	mu     sync.Mutex
	opened []string
}

func (o *RecordingOpener) OpenWindow(_ context.Context, target string) error {
	o.mu.Lock()
	o.opened = append(o.opened, target)
	o.mu.Unlock()
	if o.Logger != nil {
		o.Logger.WithFields(logrus.Fields{
			"action": "open_window",
			"url":    target,
		}).Info("window opened")
	}
	return nil
}

func (o *RecordingOpener) Opened() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.opened...)
}

// parsePush 解析推送正文；正文非法时返回默认内容并附带解析错误。
func (c *Coordinator) parsePush(raw []byte) (PushPayload, error) {
	payload := PushPayload{}
	var parseErr error
	if len(strings.TrimSpace(string(raw))) > 0 {
		if err := json.Unmarshal(raw, &payload); err != nil {
			payload = PushPayload{}
			parseErr = err
		}
	}
	if payload.Title == "" {
		payload.Title = c.opts.DefaultTitle
	}
	if payload.Body == "" {
		payload.Body = c.opts.DefaultBody
	}
	if payload.URL == "" {
		payload.URL = "/"
	}
	if payload.Version == "" {
		payload.Version = c.CurrentVersion()
	}
	return payload, parseErr
}

// Push 处理一次推送：展示通知并登记到通知中心。
func (c *Coordinator) Push(ctx context.Context, raw []byte) (Notification, error) {
	payload, parseErr := c.parsePush(raw)
	if parseErr != nil {
		c.logger.WithError(parseErr).WithField("action", "push").Warn("malformed push payload, showing generic notification")
	}

	notification := Notification{
		ID:        uuid.NewString(),
		Title:     payload.Title,
		Body:      payload.Body,
		Data:      NotificationData{URL: payload.URL, Version: payload.Version},
		CreatedAt: c.now(),
	}

	ev := newEvent(ctx, "push")
	ev.WaitUntil(func(ctx context.Context) error {
		return c.notifier.Show(ctx, notification)
	})
	if err := ev.Wait(); err != nil {
		c.metrics.ObserveLifecycle("push", "failed")
		c.logger.WithError(err).WithField("action", "push").Error("show notification failed")
		return Notification{}, err
	}
	c.notifications.add(notification)
	c.metrics.ObserveLifecycle("push", "ok")
	return notification, nil
}

// NotificationClick 关闭通知；若已有页面打开目标 URL 则聚焦，否则打开新窗口。
func (c *Coordinator) NotificationClick(ctx context.Context, id string) (ClickResult, error) {
	notification, ok := c.notifications.take(id)
	if !ok {
		return ClickResult{}, ErrNotificationNotFound
	}
	target := c.resolveURL(notification.Data.URL)

	var result ClickResult
	ev := newEvent(ctx, "notificationclick")
	ev.WaitUntil(func(ctx context.Context) error {
		for _, client := range c.clients.List() {
			if client.URL == target {
				c.clients.Send(client.ID, focusMessage(target))
				result = ClickResult{Action: ClickActionFocus, URL: target, ClientID: client.ID}
				return nil
			}
		}
		result = ClickResult{Action: ClickActionOpenWindow, URL: target}
		return c.opener.OpenWindow(ctx, target)
	})
	if err := ev.Wait(); err != nil {
		c.metrics.ObserveLifecycle("notificationclick", "failed")
		return ClickResult{}, err
	}
	c.metrics.ObserveLifecycle("notificationclick", "ok")
	c.logger.WithFields(logrus.Fields{
		"action":          "notification_click",
		"notification_id": id,
		"result":          result.Action,
		"url":             target,
	}).Info("notification clicked")
	return result, nil
}

// resolveURL 把相对地址解析为源站下的绝对地址。
func (c *Coordinator) resolveURL(raw string) string {
	base, err := url.Parse(c.opts.Origin + "/")
	if err != nil {
		return raw
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return base.ResolveReference(ref).String()
}
