package router

import (
	"github.com/wb-go/wbf/ginext"

	"notify-scheduler/internal/api/handlers/notification"
	"notify-scheduler/internal/api/handlers/system"
)

func New(notif *notification.Handler, sys *system.Handler) *ginext.Engine {
	e := ginext.New()
	e.Use(ginext.Logger())
	e.Use(ginext.Recovery())

	api := e.Group("/api/notify")

	api.POST("/queue", notif.Schedule)
	api.POST("/queue/add-many", notif.ScheduleMany)
	api.DELETE("/queue", notif.Cancel)
	api.POST("/queue/reschedule", notif.Reschedule)
	api.GET("/queue", notif.List)
	api.GET("/queue/pending", notif.ListPending)

	sysGroup := e.Group("/system")

	sysGroup.GET("/health", sys.Health)
	sysGroup.GET("/users", sys.ActiveUsers)
	sysGroup.POST("/presence", sys.Connect)
	sysGroup.DELETE("/presence", sys.Disconnect)

	return e
}
