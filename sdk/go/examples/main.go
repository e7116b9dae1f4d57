package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/spf13/pflag"

	"TaskSync/sdk/go/tasksync"
)

// 演示：一个客户端通过 REST 写入，另一个通过实时通道观察变更。
func main() {
	baseURL := pflag.String("url", "http://localhost:5000", "TaskSync 服务地址")
	pflag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := tasksync.NewClient(*baseURL, nil)
	if err != nil {
		log.Fatal(err)
	}

	stream, err := client.Realtime(ctx, "/ws", nil)
	if err != nil {
		log.Fatal(err)
	}
	defer stream.Close()

	go func() {
		for msg := range stream.Messages() {
			fmt.Printf("<- %s %s\n", msg.Event, msg.Data)
		}
	}()

	id, err := client.CreateTask(ctx, map[string]any{"title": "Buy milk", "done": false})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("created task %s\n", id)

	if err := client.UpdateTask(ctx, id, map[string]any{"done": true}); err != nil {
		log.Fatal(err)
	}
	if err := stream.DeleteTask("cleanup", id); err != nil {
		log.Fatal(err)
	}

	tasks, err := client.ListTasks(ctx)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("%d tasks stored\n", len(tasks))
	time.Sleep(500 * time.Millisecond)
}
