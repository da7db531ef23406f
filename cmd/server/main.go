package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tana_market/internal/config"
	"tana_market/internal/middleware"
	"tana_market/internal/model"
	"tana_market/internal/orders"
	"tana_market/internal/queue"
	"tana_market/internal/router"
	"tana_market/internal/store"
)

const shutdownTimeout = 10 * time.Second

func main() {
	app := &cli.App{
		Name:  "tana-market",
		Usage: "订单生命周期与支付对账服务",
		Commands: []*cli.Command{
			serveCommand(),
			migrateCommand(),
			deliverCommand(),
			userCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatalf("tana-market: %v", err)
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "启动 HTTP API 与后台任务",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "migrate", Value: true, Usage: "启动前自动建表"},
		},
		Action: func(c *cli.Context) error {
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := loadApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()
			if c.Bool("migrate") {
				if err := store.Migrate(a.db); err != nil {
					return err
				}
			}
			return a.serve(ctx)
		},
	}
}

// serve HTTP、配送扫描，以及 stream 模式下的 relay 和通知消费者，任一退出则全部退出。
func (a *app) serve(ctx context.Context) error {
	if !a.cfg.IsDev() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger(a.log.Named("http")))
	router.Setup(r, router.Deps{
		Orders:   a.orders,
		Payments: a.payments,
		Inbox:    a.inbox,
		Products: a.products,
		Attempts: a.attempts,
		Users:    a.users,
		Redis:    a.rdb,
		Config:   a.cfg,
		Logger:   a.log.Named("http"),
	})
	srv := &http.Server{Addr: a.cfg.HTTPAddr, Handler: r, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("http listening", zap.String("addr", a.cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	scheduler := orders.NewDeliveryScheduler(a.orders, a.cfg.DeliverySweepInterval, a.log.Named("delivery"))
	g.Go(func() error { return scheduler.Run(gctx) })

	if a.cfg.EventMode == config.EventModeStream {
		// Redis Stream → Kafka
		producer := queue.NewProducer(a.cfg.KafkaBrokers, a.cfg.KafkaTopic)
		defer producer.Close()
		relay := queue.NewRelay(a.rdb, producer, a.cfg.OrderEventStream, a.cfg.OrderEventGroup,
			a.cfg.OrderEventConsumer, a.log.Named("relay"))
		g.Go(func() error { return relay.Run(gctx) })

		// Kafka → 站内通知
		consumer := queue.NewConsumer(a.cfg.KafkaBrokers, a.cfg.KafkaTopic, a.cfg.KafkaGroupID,
			a.dispatcher, a.rdb, a.log.Named("consumer"))
		defer consumer.Close()
		g.Go(func() error { return consumer.Run(gctx) })
	}

	a.log.Info("server started", zap.String("event_mode", a.cfg.EventMode), zap.Bool("redis", a.rdb != nil))
	err := g.Wait()
	a.log.Info("server stopped", zap.Error(err))
	return err
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "建表并创建 tracking_number 部分唯一索引",
		Action: func(c *cli.Context) error {
			a, err := loadApp(c.Context)
			if err != nil {
				return err
			}
			defer a.close()
			if err := store.Migrate(a.db); err != nil {
				return err
			}
			a.log.Info("migration done", zap.String("driver", a.cfg.DBDriver))
			return nil
		},
	}
}

func deliverCommand() *cli.Command {
	return &cli.Command{
		Name:  "deliver",
		Usage: "执行一次配送到期扫描",
		Action: func(c *cli.Context) error {
			a, err := loadApp(c.Context)
			if err != nil {
				return err
			}
			defer a.close()
			n := orders.NewDeliveryScheduler(a.orders, a.cfg.DeliverySweepInterval, a.log).SweepOnce(c.Context)
			fmt.Printf("delivered %d orders\n", n)
			return nil
		},
	}
}

// userCommand 没有注册接口，运营账号和测试账号都从这里建。
func userCommand() *cli.Command {
	return &cli.Command{
		Name:  "user",
		Usage: "用户管理",
		Subcommands: []*cli.Command{
			{
				Name:  "create",
				Usage: "创建用户",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "name", Required: true},
					&cli.StringFlag{Name: "email", Required: true},
					&cli.StringFlag{Name: "phone"},
					&cli.StringFlag{Name: "role", Value: string(model.RoleCustomer), Usage: "customer | manager | admin"},
				},
				Action: func(c *cli.Context) error {
					role := model.Role(strings.ToLower(c.String("role")))
					switch role {
					case model.RoleCustomer, model.RoleManager, model.RoleAdmin:
					default:
						return fmt.Errorf("unknown role %q", role)
					}
					a, err := loadApp(c.Context)
					if err != nil {
						return err
					}
					defer a.close()
					u := model.User{
						ID:     newUserID(),
						Name:   c.String("name"),
						Email:  strings.ToLower(strings.TrimSpace(c.String("email"))),
						Phone:  c.String("phone"),
						Role:   role,
						Active: true,
					}
					if err := a.users.Create(c.Context, &u); err != nil {
						return err
					}
					fmt.Println(u.ID)
					return nil
				},
			},
			{
				Name:  "token",
				Usage: "为已有用户签发 JWT",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "email", Required: true},
					&cli.DurationFlag{Name: "ttl", Value: 24 * time.Hour},
				},
				Action: func(c *cli.Context) error {
					a, err := loadApp(c.Context)
					if err != nil {
						return err
					}
					defer a.close()
					u, err := a.users.FindByEmail(c.Context, strings.ToLower(strings.TrimSpace(c.String("email"))))
					if err != nil {
						return err
					}
					tok, err := middleware.IssueToken([]byte(a.cfg.JWTSecret), u, c.Duration("ttl"), time.Now())
					if err != nil {
						return err
					}
					fmt.Println(tok)
					return nil
				},
			},
		},
	}
}
