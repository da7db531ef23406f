package router

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"tana_market/internal/notify"
	"tana_market/internal/store"
)

func listNotifications(inbox *notify.Inbox) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.Query("limit"))
		unreadOnly, _ := strconv.ParseBool(c.Query("unreadOnly"))
		list, err := inbox.List(c.Request.Context(), actor(c).UserID, unreadOnly, limit)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, list)
	}
}

func unreadCount(inbox *notify.Inbox) gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := inbox.UnreadCount(c.Request.Context(), actor(c).UserID)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, gin.H{"count": n})
	}
}

func markRead(inbox *notify.Inbox) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := inbox.MarkRead(c.Request.Context(), actor(c).UserID, c.Param("id")); err != nil {
			notificationError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "已读"})
	}
}

func markAllRead(inbox *notify.Inbox) gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := inbox.MarkAllRead(c.Request.Context(), actor(c).UserID)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, gin.H{"updated": n})
	}
}

func deleteNotification(inbox *notify.Inbox) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := inbox.Delete(c.Request.Context(), actor(c).UserID, c.Param("id")); err != nil {
			notificationError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "已删除"})
	}
}

func deleteRead(inbox *notify.Inbox) gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := inbox.DeleteRead(c.Request.Context(), actor(c).UserID)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, gin.H{"deleted": n})
	}
}

func notificationError(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "通知不存在"})
		return
	}
	fail(c, err)
}
