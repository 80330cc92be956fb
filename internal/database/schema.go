package database

const schema = `
CREATE TABLE IF NOT EXISTS users (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    email VARCHAR(255) NOT NULL UNIQUE,
    plan VARCHAR(16) NOT NULL DEFAULT 'free',
    credits INT NOT NULL DEFAULT 0,
    image_credits INT NOT NULL DEFAULT 0,
    video_credits INT NOT NULL DEFAULT 0,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS usage_stats (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    user_id BIGINT NOT NULL,
    model_name VARCHAR(64) NOT NULL,
    tier VARCHAR(16) NOT NULL,
    tokens_used INT NOT NULL DEFAULT 0,
    cost_usd DECIMAL(10,6) NOT NULL DEFAULT 0,
    stat_date CHAR(10) NOT NULL,
    stat_month CHAR(7) NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    KEY idx_usage_user_date (user_id, stat_date),
    KEY idx_usage_user_month (user_id, stat_month),
    FOREIGN KEY (user_id) REFERENCES users(id)
);

CREATE TABLE IF NOT EXISTS image_generations (
    id CHAR(36) PRIMARY KEY,
    user_id BIGINT NOT NULL,
    model VARCHAR(64) NOT NULL,
    prompt TEXT NOT NULL,
    status VARCHAR(16) NOT NULL,
    progress INT NOT NULL DEFAULT 0,
    result_url TEXT,
    cost_credits INT NOT NULL DEFAULT 0,
    external_task_id VARCHAR(128),
    error TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
    KEY idx_image_user (user_id),
    FOREIGN KEY (user_id) REFERENCES users(id)
);

CREATE TABLE IF NOT EXISTS video_generations (
    id CHAR(36) PRIMARY KEY,
    user_id BIGINT NOT NULL,
    model VARCHAR(64) NOT NULL,
    prompt TEXT NOT NULL,
    status VARCHAR(16) NOT NULL,
    progress INT NOT NULL DEFAULT 0,
    result_url TEXT,
    cost_credits INT NOT NULL DEFAULT 0,
    external_task_id VARCHAR(128),
    error TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
    KEY idx_video_user (user_id),
    FOREIGN KEY (user_id) REFERENCES users(id)
);

CREATE TABLE IF NOT EXISTS payment_orders (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    order_id VARCHAR(64) NOT NULL UNIQUE,
    user_id BIGINT NOT NULL,
    status VARCHAR(16) NOT NULL DEFAULT 'pending',
    credits_amount INT NOT NULL,
    credit_type VARCHAR(16) NOT NULL,
    currency VARCHAR(8) NOT NULL,
    amount_minor INT NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
    FOREIGN KEY (user_id) REFERENCES users(id)
);
`
