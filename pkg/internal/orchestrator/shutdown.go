package orchestrator

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// Shutdown 两级关闭信号. StopAccepting 之后不再接收新文件，进行中的文件继续完成；
// Terminate 取消进行中的远端调用，被取消的调用不提交任何本地状态. Terminate 同时隐含 StopAccepting.
type Shutdown struct {
	stop     chan struct{}
	term     chan struct{}
	stopOnce sync.Once
	termOnce sync.Once
}

// NewShutdown 创建未触发的关闭信号.
func NewShutdown() *Shutdown {
	return &Shutdown{stop: make(chan struct{}), term: make(chan struct{})}
}

// StopAccepting 第一级信号：停止接收新文件.
func (s *Shutdown) StopAccepting() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Terminate 第二级信号：终止进行中的工作.
func (s *Shutdown) Terminate() {
	s.StopAccepting()
	s.termOnce.Do(func() { close(s.term) })
}

// Stopping 是否已停止接收新文件.
func (s *Shutdown) Stopping() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

// Terminating 是否已要求终止进行中的工作.
func (s *Shutdown) Terminating() bool {
	select {
	case <-s.term:
		return true
	default:
		return false
	}
}

// StopC 在 StopAccepting 后关闭.
func (s *Shutdown) StopC() <-chan struct{} { return s.stop }

// TermC 在 Terminate 后关闭.
func (s *Shutdown) TermC() <-chan struct{} { return s.term }

// bind 返回在 Terminate 或 parent 结束时取消的 context.
func (s *Shutdown) bind(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	go func() {
		select {
		case <-s.term:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}

// NotifySignals 第一次 SIGINT/SIGTERM 停止接收，第二次终止. onSignal 可为 nil.
// 返回的函数停止监听.
func (s *Shutdown) NotifySignals(onSignal func(sig os.Signal, terminating bool)) (stop func()) {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})

	go func() {
		for {
			select {
			case sig := <-ch:
				terminating := s.Stopping()
				if terminating {
					s.Terminate()
				} else {
					s.StopAccepting()
				}

				if onSignal != nil {
					onSignal(sig, terminating)
				}

				if terminating {
					return
				}
			case <-done:
				return
			}
		}
	}()

	var once sync.Once

	return func() {
		once.Do(func() {
			signal.Stop(ch)
			close(done)
		})
	}
}
