package delivery

import "github.com/Ivan-lisitsyn/telegram-dify-bot/internal/domain"

// CaptionsFor picks the preview captions. A final answer wins for both
// formats; otherwise the workflow's preformatted params are used, with the
// markdown caption standing in for a missing HTML one.
func CaptionsFor(res *domain.GenerationResult) (html, markdown string) {
	if res == nil {
		return "", ""
	}
	if res.Answer != "" {
		return res.Answer, res.Answer
	}
	markdown = res.StringParam("caption_markdown")
	html = res.StringParam("caption_html")
	if html == "" {
		html = markdown
	}
	return html, markdown
}
