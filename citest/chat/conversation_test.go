package chat_test

import (
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/chatloop-ai/chatloop/citest/testutil"
	"github.com/chatloop-ai/chatloop/internal/devserver"
	"github.com/chatloop-ai/chatloop/internal/session"
	"github.com/chatloop-ai/chatloop/internal/transport"
	"github.com/chatloop-ai/chatloop/pkg/types"
)

var _ = Describe("Conversation", func() {
	var mgr *session.Manager
	var dir string

	BeforeEach(func() {
		backend.Server.SetResponder(devserver.EchoResponder)
		dir = GinkgoT().TempDir()
		mgr = testutil.NewManager(backend.BaseURL(), dir)
	})

	It("streams a reply into the timeline", func() {
		Expect(mgr.SendMessage(ctx, "hello there")).To(BeTrue())

		timeline := mgr.Timeline()
		Expect(timeline).To(HaveLen(2))
		Expect(timeline[0].Role).To(Equal(types.RoleUser))
		Expect(timeline[0].Content).To(Equal("hello there"))
		Expect(timeline[1].Role).To(Equal(types.RoleAssistant))
		Expect(timeline[1].Content).To(Equal("You said: hello there"))
		Expect(timeline[1].Tokens).NotTo(BeNil())
	})

	It("persists the conversation under the server-assigned session id", func() {
		Expect(mgr.SendMessage(ctx, "persist me")).To(BeTrue())

		id, confirmed := mgr.Identity().Confirmed()
		Expect(confirmed).To(BeTrue())
		Expect(id).To(HavePrefix("srv_"))

		store := testutil.NewStore(dir)
		stored, err := store.Get(ctx, types.Scope{Namespace: "citest", Project: "chatloop", Service: "chat"}, id)
		Expect(err).NotTo(HaveOccurred())
		Expect(stored.Messages).To(HaveLen(2))
	})

	It("sends prior turns as history on later turns", func() {
		var mu sync.Mutex
		var lastReq transport.Request
		backend.Server.SetResponder(func(req transport.Request) devserver.Reply {
			mu.Lock()
			lastReq = req
			mu.Unlock()
			return devserver.EchoResponder(req)
		})

		Expect(mgr.SendMessage(ctx, "first")).To(BeTrue())
		Expect(mgr.SendMessage(ctx, "second")).To(BeTrue())

		mu.Lock()
		defer mu.Unlock()
		Expect(lastReq.SessionID).To(HavePrefix("srv_"))
		Expect(lastReq.History).To(HaveLen(2))
		Expect(lastReq.History[0].Content).To(Equal("first"))
		Expect(lastReq.History[1].Content).To(Equal("You said: first"))
	})

	It("keeps one tool message per invocation", func() {
		backend.Server.SetResponder(func(req transport.Request) devserver.Reply {
			return devserver.Reply{
				Content:   "checking",
				ToolCalls: []devserver.ToolCall{{Name: "search", Args: `{"query":"streaming conversation state"}`}},
			}
		})

		Expect(mgr.SendMessage(ctx, "look it up")).To(BeTrue())

		timeline := mgr.Timeline()
		Expect(timeline).To(HaveLen(3))
		Expect(timeline[2].Role).To(Equal(types.RoleTool))
		Expect(timeline[2].Content).To(ContainSubstring("search"))
		Expect(timeline[2].Content).To(ContainSubstring(`"streaming conversation state"`))
	})

	It("resumes a stored session in a fresh manager", func() {
		Expect(mgr.SendMessage(ctx, "remember this")).To(BeTrue())
		id, _ := mgr.Identity().Confirmed()

		fresh := testutil.NewManager(backend.BaseURL(), dir)
		Expect(fresh.Resume(ctx, id)).To(Succeed())

		timeline := fresh.Timeline()
		Expect(timeline).To(HaveLen(2))
		Expect(timeline[0].Content).To(Equal("remember this"))
	})

	It("clears history and starts a new provisional conversation", func() {
		Expect(mgr.SendMessage(ctx, "hello")).To(BeTrue())
		id, _ := mgr.Identity().Confirmed()

		Expect(mgr.ClearHistory(ctx)).To(Succeed())
		Expect(mgr.Timeline()).To(BeEmpty())
		_, confirmed := mgr.Identity().Confirmed()
		Expect(confirmed).To(BeFalse())

		store := testutil.NewStore(dir)
		_, err := store.Get(ctx, types.Scope{Namespace: "citest", Project: "chatloop", Service: "chat"}, id)
		Expect(err).To(HaveOccurred())
	})
})
