package chat_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/chatloop-ai/chatloop/citest/testutil"
	"github.com/chatloop-ai/chatloop/internal/devserver"
	"github.com/chatloop-ai/chatloop/internal/session"
	"github.com/chatloop-ai/chatloop/internal/transport"
	"github.com/chatloop-ai/chatloop/pkg/types"
)

var _ = Describe("Recovery", func() {
	var mgr *session.Manager

	BeforeEach(func() {
		backend.Server.SetResponder(devserver.EchoResponder)
		mgr = testutil.NewManager(backend.BaseURL(), GinkgoT().TempDir())
	})

	It("falls back to single-shot when the stream faults", func() {
		backend.Server.SetStreamResponder(func(req transport.Request) devserver.Reply {
			return devserver.Reply{Fault: &transport.Fault{
				Code: "overloaded", Message: "stream unavailable", Retryable: true,
			}}
		})

		Expect(mgr.SendMessage(ctx, "hello")).To(BeTrue())
		Expect(mgr.Err()).NotTo(HaveOccurred())

		timeline := mgr.Timeline()
		Expect(timeline).To(HaveLen(2))
		Expect(timeline[1].Role).To(Equal(types.RoleAssistant))
		Expect(timeline[1].Content).To(Equal("You said: hello"))
	})

	It("replaces an empty exchange with the fixed notice", func() {
		backend.Server.SetResponder(func(req transport.Request) devserver.Reply {
			return devserver.Reply{Content: ""}
		})

		Expect(mgr.SendMessage(ctx, "hello")).To(BeTrue())

		timeline := mgr.Timeline()
		Expect(timeline[1].Content).To(Equal("no proper response received"))
	})

	It("settles terminally when the server rejects the request", func() {
		backend.Server.SetResponder(func(req transport.Request) devserver.Reply {
			return devserver.Reply{Fault: &transport.Fault{
				Code: "rejected", Message: "unknown model", Retryable: false,
			}}
		})

		Expect(mgr.SendMessage(ctx, "hello")).To(BeFalse())
		Expect(mgr.Err()).To(HaveOccurred())

		timeline := mgr.Timeline()
		Expect(timeline[1].Role).To(Equal(types.RoleError))
		Expect(timeline[1].Content).To(ContainSubstring("unknown model"))
	})

	It("keeps partial content when the user cancels mid-stream", func() {
		slow := testutil.StartSlowBackend(25 * time.Millisecond)
		defer slow.Stop()
		slow.Server.SetResponder(func(req transport.Request) devserver.Reply {
			return devserver.Reply{Content: "a long reply that keeps arriving word by word for a while"}
		})
		slowMgr := testutil.NewManager(slow.BaseURL(), GinkgoT().TempDir())

		done := make(chan bool, 1)
		go func() { done <- slowMgr.SendMessage(ctx, "hello") }()

		Eventually(func() string {
			timeline := slowMgr.Timeline()
			if len(timeline) < 2 {
				return ""
			}
			return timeline[1].Content
		}, time.Second, 10*time.Millisecond).ShouldNot(BeEmpty())

		slowMgr.Cancel()
		Expect(<-done).To(BeTrue())

		timeline := slowMgr.Timeline()
		Expect(timeline[1].Content).To(HaveSuffix("[interrupted]"))
		Expect(timeline[1].Cancelled).To(BeTrue())
		Expect(slowMgr.CanSend()).To(BeTrue())
	})
})
