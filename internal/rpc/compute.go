package rpc

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// MaxFibonacciInput — наибольшее n, для которого fib(n) помещается в int64.
const MaxFibonacciInput = 92

// cancelCheckDepth — поддеревья рекурсии с n ниже этого порога не проверяют
// отмену: fib(16) считается за микросекунды.
const cancelCheckDepth = 16

// ComputeFunc — бизнес-логика сервера: payload запроса → payload ответа.
// Ошибка не доходит до брокера: сервер отвечает пустым телом.
// Исключение — ошибка отмены ctx: запрос возвращается в очередь.
type ComputeFunc func(ctx context.Context, payload []byte) ([]byte, error)

// ComputeFibonacci разбирает payload как неотрицательное целое n
// и возвращает n-е число Фибоначчи десятичным текстом.
// Вычисление прерывается при отмене ctx.
func ComputeFibonacci(ctx context.Context, payload []byte) ([]byte, error) {
	text := strings.TrimSpace(string(payload))

	n, err := strconv.Atoi(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %q is not an integer", ErrInvalidArgument, text)
	}
	if n < 0 {
		return nil, fmt.Errorf("%w: %d is negative", ErrInvalidArgument, n)
	}
	if n > MaxFibonacciInput {
		return nil, fmt.Errorf("%w: %d exceeds %d", ErrInvalidArgument, n, MaxFibonacciInput)
	}

	value, err := FibonacciContext(ctx, n)
	if err != nil {
		return nil, fmt.Errorf("compute fib(%d): %w", n, err)
	}
	return []byte(strconv.FormatInt(value, 10)), nil
}

// FibonacciContext — та же рекурсия, но с проверкой ctx.Done()
// в узлах с n >= cancelCheckDepth. При отмене возвращает ctx.Err().
func FibonacciContext(ctx context.Context, n int) (int64, error) {
	done := ctx.Done()
	cancelled := false

	var fib func(n int) int64
	fib = func(n int) int64 {
		if cancelled {
			return 0
		}
		if n == 0 || n == 1 {
			return int64(n)
		}
		if n >= cancelCheckDepth {
			select {
			case <-done:
				cancelled = true
				return 0
			default:
			}
		}
		return fib(n-1) + fib(n-2)
	}

	value := fib(n)
	if cancelled {
		return 0, ctx.Err()
	}
	return value, nil
}

// Fibonacci — наивная экспоненциальная рекурсия.
func Fibonacci(n int) int64 {
	if n == 0 || n == 1 {
		return int64(n)
	}
	return Fibonacci(n-1) + Fibonacci(n-2)
}
