// Package compute 提供 CPU 密集型的演示接口，用于压测时观察服务在计算负载下的表现。
package compute

import (
	"context"
	"errors"
	"strconv"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

const MaxN = 35

var ErrOutOfRange = errors.New("n must be between 0 and 35")

type FibResult struct {
	N             int     `json:"n"`
	Fibonacci     int64   `json:"fibonacci"`
	ExecutionTime float64 `json:"execution_time_seconds"`
}

// Fibonacci 用朴素递归计算，最多 workers 个计算同时进行；相同 n 的并发请求只算一次。
type Fibonacci struct {
	sem   *semaphore.Weighted
	group singleflight.Group
}

func NewFibonacci(workers int) *Fibonacci {
	if workers <= 0 {
		workers = 1
	}
	return &Fibonacci{sem: semaphore.NewWeighted(int64(workers))}
}

// Compute 计算 fib(n)。共享的计算不随某个调用方取消而中断，调用方取消时只是自己提前返回。
func (f *Fibonacci) Compute(ctx context.Context, n int) (*FibResult, error) {
	if n < 0 || n > MaxN {
		return nil, ErrOutOfRange
	}
	start := time.Now()
	flight := context.WithoutCancel(ctx)
	ch := f.group.DoChan(strconv.Itoa(n), func() (any, error) {
		if err := f.sem.Acquire(flight, 1); err != nil {
			return nil, err
		}
		defer f.sem.Release(1)
		return fib(n), nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return &FibResult{N: n, Fibonacci: res.Val.(int64), ExecutionTime: time.Since(start).Seconds()}, nil
	}
}

func fib(n int) int64 {
	if n <= 0 {
		return 0
	}
	if n == 1 {
		return 1
	}
	return fib(n-1) + fib(n-2)
}
