package app

import (
	"context"

	"github.com/ggoodman/taskrpc/rpchttp"
	"github.com/ggoodman/taskrpc/services/accounts"
	"github.com/ggoodman/taskrpc/services/chat"
	"github.com/ggoodman/taskrpc/services/tasks"
	"github.com/ggoodman/taskrpc/sessions"
)

func mount(s *rpchttp.Server, acc *accounts.Service, ts *tasks.Service, cs *chat.Service) {
	rpchttp.HandleUnary(s, accounts.MethodRegister, acc.Register)
	rpchttp.HandleUnary(s, accounts.MethodLogin, acc.Login)
	rpchttp.HandleUnary(s, accounts.MethodValidateToken, acc.ValidateToken)

	rpchttp.HandleUnary(s, tasks.MethodCreateTask, ts.CreateTask)
	rpchttp.HandleUnary(s, tasks.MethodGetTasks, ts.GetTasks)
	rpchttp.HandleUnary(s, tasks.MethodGetTask, ts.GetTask)
	rpchttp.HandleUnary(s, tasks.MethodUpdateTask, ts.UpdateTask)
	rpchttp.HandleUnary(s, tasks.MethodDeleteTask, ts.DeleteTask)
	rpchttp.HandleUnary(s, tasks.MethodGetTaskStats, ts.GetTaskStats)
	rpchttp.HandleServerStream[tasks.StreamTasksRequest, tasks.Task](s, tasks.MethodStreamTasks, ts.StreamTasks)
	rpchttp.HandleServerStream[tasks.StreamNotificationsRequest, tasks.Notification](s, tasks.MethodStreamNotifications, ts.StreamNotifications)

	rpchttp.HandleBidi[chat.Message, chat.Message](s, chat.MethodChat,
		func(ctx context.Context, in rpchttp.Receiver[chat.Message], out sessions.Sender) error {
			return cs.Chat(ctx, in, out)
		})
}
