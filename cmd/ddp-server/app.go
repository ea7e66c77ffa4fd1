package main

import (
	"errors"
	"log/slog"
	"time"

	"github.com/ddp-protocol/ddp-go/pkg/service"
	"github.com/ddp-protocol/ddp-go/pkg/store"
	"github.com/ddp-protocol/ddp-go/pkg/wire"
)

// Collection names.
const (
	TasksCollection  = "tasks"
	StatusCollection = "server_status"
	statusDocID      = "status"
)

// App wires the task collection into a DDP server.
type App struct {
	srv            *service.Server
	tasks          *store.Collection
	logger         *slog.Logger
	started        time.Time
	statusInterval time.Duration
}

// NewApp registers the publications and methods of the reference server.
func NewApp(srv *service.Server, db *store.DB, statusInterval time.Duration, logger *slog.Logger) (*App, error) {
	tasks, err := db.Collection(TasksCollection)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	a := &App{
		srv:            srv,
		tasks:          tasks,
		logger:         logger,
		started:        time.Now().UTC(),
		statusInterval: statusInterval,
	}

	srv.Publish("tasks", a.publishTasks)
	srv.Publish("tasks.mine", a.publishMyTasks)
	srv.Publish("", a.publishStatus)

	err = srv.Methods(map[string]service.MethodHandler{
		"tasks.insert": a.insertTask,
		"tasks.update": a.updateTask,
		"tasks.remove": a.removeTask,
		"login":        a.login,
		"logout":       a.logout,
		"echo":         a.echo,
	})
	if err != nil {
		return nil, err
	}

	srv.OnConnection(func(conn *service.Connection) {
		logger.Info("client connected", "conn", conn.ID(), "address", conn.ClientAddress())
		conn.OnClose(func() {
			logger.Info("client disconnected", "conn", conn.ID())
		})
	})
	return a, nil
}

// publishTasks publishes every task, or those of one owner when the first
// parameter is a string.
func (a *App) publishTasks(sub *service.Subscription, params []any) (any, error) {
	selector := store.Selector{}
	if len(params) > 0 && params[0] != nil {
		owner, ok := params[0].(string)
		if !ok {
			return nil, matchFailed("owner must be a string")
		}
		selector["owner"] = owner
	}
	return a.tasks.Find(selector), nil
}

// publishMyTasks publishes the tasks of the logged-in user. It reruns on
// login and logout.
func (a *App) publishMyTasks(sub *service.Subscription, params []any) (any, error) {
	if sub.UserID() == "" {
		sub.Ready()
		return nil, nil
	}
	return a.tasks.Find(store.Selector{"owner": sub.UserID()}), nil
}

// publishStatus runs on every session and keeps a server status document
// up to date.
func (a *App) publishStatus(sub *service.Subscription, params []any) (any, error) {
	sub.Added(StatusCollection, statusDocID, a.statusFields())

	if a.statusInterval > 0 {
		done := make(chan struct{})
		sub.OnStop(func() { close(done) })
		go func() {
			ticker := time.NewTicker(a.statusInterval)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					if err := sub.Changed(StatusCollection, statusDocID, wire.Fields{"sessions": a.srv.SessionCount()}); err != nil {
						a.logger.Debug("status update failed", "error", err)
						return
					}
				}
			}
		}()
	}
	return nil, nil
}

func (a *App) statusFields() wire.Fields {
	return wire.Fields{
		"startedAt": a.started.Format(time.RFC3339),
		"sessions":  a.srv.SessionCount(),
	}
}

func (a *App) insertTask(inv *service.MethodInvocation, params []any) (any, error) {
	doc, err := objectParam(params, 0, "task")
	if err != nil {
		return nil, err
	}
	if _, ok := doc["owner"]; !ok && inv.UserID() != "" {
		doc["owner"] = inv.UserID()
	}
	id, err := a.tasks.Insert(inv.Context(), doc)
	if err != nil {
		return nil, storeError(err)
	}
	return id, nil
}

// updateTask sets fields of a task. A null value removes the field.
func (a *App) updateTask(inv *service.MethodInvocation, params []any) (any, error) {
	id, err := stringParam(params, 0, "id")
	if err != nil {
		return nil, err
	}
	set, err := objectParam(params, 1, "fields")
	if err != nil {
		return nil, err
	}
	for k, v := range set {
		if v == nil {
			set[k] = wire.Undefined
		}
	}
	if err := a.tasks.Update(inv.Context(), id, set); err != nil {
		return nil, storeError(err)
	}
	return nil, nil
}

func (a *App) removeTask(inv *service.MethodInvocation, params []any) (any, error) {
	id, err := stringParam(params, 0, "id")
	if err != nil {
		return nil, err
	}
	if err := a.tasks.Remove(inv.Context(), id); err != nil {
		return nil, storeError(err)
	}
	return nil, nil
}

// login switches the connection to the given user. There is no password:
// the reference server demonstrates user switching, not authentication.
func (a *App) login(inv *service.MethodInvocation, params []any) (any, error) {
	user, err := stringParam(params, 0, "user")
	if err != nil {
		return nil, err
	}
	if user == "" {
		return nil, matchFailed("user must not be empty")
	}
	if err := inv.SetUserID(user); err != nil {
		return nil, err
	}
	return user, nil
}

func (a *App) logout(inv *service.MethodInvocation, params []any) (any, error) {
	return nil, inv.SetUserID("")
}

// echo returns its parameters unchanged.
func (a *App) echo(inv *service.MethodInvocation, params []any) (any, error) {
	return params, nil
}

func matchFailed(details string) error {
	return wire.NewError(400, "Match failed").WithDetails(details)
}

func stringParam(params []any, i int, name string) (string, error) {
	if i >= len(params) {
		return "", matchFailed(name + " is required")
	}
	s, ok := params[i].(string)
	if !ok {
		return "", matchFailed(name + " must be a string")
	}
	return s, nil
}

func objectParam(params []any, i int, name string) (wire.Fields, error) {
	if i >= len(params) {
		return nil, matchFailed(name + " is required")
	}
	m, ok := params[i].(map[string]any)
	if !ok {
		return nil, matchFailed(name + " must be an object")
	}
	out := make(wire.Fields, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out, nil
}

// storeError maps anticipated store failures to quiet client errors.
// Anything else is returned as is and reported as an internal error.
func storeError(err error) error {
	var sanitized *wire.Error
	switch {
	case errors.Is(err, store.ErrNotFound):
		sanitized = wire.NewError(404, "Task not found")
	case errors.Is(err, store.ErrDuplicateID):
		sanitized = wire.NewError(409, "Duplicate task id")
	case errors.Is(err, store.ErrInvalidField):
		sanitized = wire.NewError(400, "Invalid field")
	default:
		return err
	}
	return service.Expected(service.WithSanitized(err, sanitized))
}
