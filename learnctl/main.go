package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/docopt/docopt-go"
	"golang.org/x/term"

	"github.com/gonzalezulises/plataforma-aprendizaje-sub003/client"
)

const Version = "0.0.1"

func main() {
	usage := `Learning platform client.

Set LEARN_APIURL and LEARN_REALTIMEURL to point at another deployment,
or pass --api_url / --realtime_url.

Usage:
    learnctl login --user_auth=<user_auth> [--password=<password>]
        [--api_url=<api_url>]
    learnctl reply --thread_id=<thread_id> --body=<body>
        [--api_url=<api_url>]
    learnctl edit-course --course_id=<course_id> --title=<title>
        [--description=<description>]
        [--api_url=<api_url>]
    learnctl watch --topic_id=<topic_id>
        [--realtime_url=<realtime_url>]

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --api_url=<api_url>
    --realtime_url=<realtime_url>
    --user_auth=<user_auth>
    --password=<password>
    --thread_id=<thread_id>
    --body=<body>
    --course_id=<course_id>
    --title=<title>
    --description=<description>
    --topic_id=<topic_id>`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		panic(err)
	}

	if login_, _ := opts.Bool("login"); login_ {
		login(opts)
	} else if reply_, _ := opts.Bool("reply"); reply_ {
		reply(opts)
	} else if editCourse_, _ := opts.Bool("edit-course"); editCourse_ {
		editCourse(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	}
}

func apiUrl(opts docopt.Opts) string {
	if apiUrlAny := opts["--api_url"]; apiUrlAny != nil {
		return apiUrlAny.(string)
	}
	return Conf.GetString("apiUrl")
}

func realtimeUrl(opts docopt.Opts) string {
	if realtimeUrlAny := opts["--realtime_url"]; realtimeUrlAny != nil {
		return realtimeUrlAny.(string)
	}
	return Conf.GetString("realtimeUrl")
}

func newApi(ctx context.Context, opts docopt.Opts) *client.PlatformApi {
	api := client.NewPlatformApiWithContext(ctx, apiUrl(opts))
	if byJwt := os.Getenv("LEARN_JWT"); byJwt != "" {
		api.SetByJwt(byJwt)
	}
	return api
}

func login(opts docopt.Opts) {
	ctx, cancel := signalContext()
	defer cancel()

	userAuth, _ := opts.String("--user_auth")

	var password string
	if passwordAny := opts["--password"]; passwordAny != nil {
		password = passwordAny.(string)
	} else {
		fmt.Print("Enter password: ")
		passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			panic(err)
		}
		password = string(passwordBytes)
	}

	api := newApi(ctx, opts)
	defer api.Close()

	result, err := api.AuthLoginSync(ctx, &client.AuthLoginArgs{
		UserAuth: userAuth,
		Password: password,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "login failed: %s\n", err)
		os.Exit(1)
	}
	if result.Error != nil {
		fmt.Fprintf(os.Stderr, "login failed: %s\n", result.Error.Message)
		os.Exit(1)
	}

	fmt.Printf("export LEARN_JWT=%s\n", result.ByJwt)
}

// reply posts a forum reply through the submission coordinator: a network
// failure preserves the text and offers an explicit retry.
func reply(opts docopt.Opts) {
	ctx, cancel := signalContext()
	defer cancel()

	threadIdStr, _ := opts.String("--thread_id")
	threadId, err := client.ParseId(threadIdStr)
	if err != nil {
		panic(err)
	}
	body, _ := opts.String("--body")

	api := newApi(ctx, opts)
	defer api.Close()

	draftPath := Conf.GetString("draftPath")
	os.MkdirAll(filepath.Dir(draftPath), 0700)
	drafts, err := client.NewDraftStore(draftPath)
	if err != nil {
		panic(err)
	}
	defer drafts.Close()
	drafts.Save(threadIdStr, map[string]string{"body": body})

	coordinator := client.NewSubmissionCoordinator[*client.Reply]()
	perform := func(ctx context.Context) (*client.Reply, error) {
		return api.CreateReplySync(ctx, &client.CreateReplyArgs{
			ThreadId: threadId,
			Body:     body,
		})
	}

	result, err := coordinator.Submit(ctx, perform, &client.SubmitCallbacks[*client.Reply]{
		PreserveData: body,
	})
	for err != nil && coordinator.CanRetry() {
		fmt.Fprintf(os.Stderr, "network error: %s\n", err)
		if !confirm("Retry with the same text?") {
			fmt.Println("your text is kept as a draft")
			return
		}
		result, err = coordinator.Retry(ctx)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "reply failed: %s\n", err)
		os.Exit(1)
	}

	drafts.Clear(threadIdStr)
	fmt.Printf("reply_id: %s\n", result.ReplyId)
}

// editCourse saves through the concurrency resolver. A version conflict
// surfaces the server's current state with a discard/force choice.
func editCourse(opts docopt.Opts) {
	ctx, cancel := signalContext()
	defer cancel()

	courseIdStr, _ := opts.String("--course_id")
	courseId, err := client.ParseId(courseIdStr)
	if err != nil {
		panic(err)
	}
	title, _ := opts.String("--title")
	var description string
	if descriptionAny := opts["--description"]; descriptionAny != nil {
		description = descriptionAny.(string)
	}

	api := newApi(ctx, opts)
	defer api.Close()

	course, err := api.GetCourseSync(ctx, courseId)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot load course: %s\n", err)
		os.Exit(1)
	}
	if description == "" {
		description = course.Description
	}

	save := api.CourseSaveFunc(courseId, func() (string, string) {
		return title, description
	})
	resolver := client.NewConcurrencyResolver(course.UpdatedAt, save)
	resolver.Edit()

	err = resolver.Save(ctx)
	if err != nil && resolver.State() == client.ResolverStateConflict {
		record := resolver.Conflict()
		fmt.Printf("someone else saved this course (now at %s):\n%s\n",
			record.ServerVersion, string(record.ServerSnapshot))
		if confirm("Overwrite their version with yours?") {
			err = resolver.Force(ctx)
		} else {
			_, err = resolver.Discard()
			fmt.Println("your edits were discarded")
			return
		}
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "save failed: %s\n", err)
		os.Exit(1)
	}

	fmt.Printf("saved, version: %s\n", resolver.Version())
}

func watch(opts docopt.Opts) {
	ctx, cancel := signalContext()
	defer cancel()

	topicIdStr, _ := opts.String("--topic_id")
	topicId, err := client.ParseId(topicIdStr)
	if err != nil {
		panic(err)
	}

	rt := client.NewRealtimeClientWithDefaults(ctx, realtimeUrl(opts))
	defer rt.Close()

	rt.OnMessage("new_reply", func(event *client.RealtimeEvent) {
		fmt.Printf("new reply in %s: %s\n", event.TopicId, string(event.Entity))
	})

	rt.Connect()
	if err := rt.WaitConnected(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "connect failed: %s\n", err)
		os.Exit(1)
	}
	rt.Subscribe(topicId)
	defer rt.Unsubscribe(topicId)

	fmt.Printf("watching %s\n", topicId)
	<-ctx.Done()
}

func confirm(prompt string) bool {
	fmt.Printf("%s [y/N] ", prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
}
