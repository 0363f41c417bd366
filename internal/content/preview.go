package content

const previewNotice = "This is a preview of an email that will go out in one hour."

// PreviewHTML prepends the preview banner to an HTML body.
func PreviewHTML(body string) string {
	return `<div style="background:#ffc;padding:8px;border:1px solid #cc0;">` +
		previewNotice + `</div>` + body
}

// PreviewText prepends the preview banner to a plain-text body.
func PreviewText(body string) string {
	return previewNotice + "\n\n" + body
}
